package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"

	dl "github.com/kynex7510/3ds-dl"
	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/space"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Usage = "ARM shared object inspector"
	app.Name = "Inspect"
	app.Description = "inspect the dynamic tables of ARM shared objects and test-load them"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.BoolFlag{Name: "dump", Usage: "dump parsed structures"},
	}
	app.Args = true
	app.Commands = []*cli.Command{
		{Name: "headers", Action: headers, Usage: "display entry, loadable segments and needed objects", Args: true},
		{Name: "symbols", Action: symbols, Usage: "display dynamic symbols", Args: true},
		{Name: "needed", Action: needed, Usage: "display needed objects", Args: true},
		{Name: "relocs", Action: relocs, Usage: "display relocation records", Args: true},
		{Name: "hash", Action: hash, Usage: "display the SysV hash of names", Args: true},
		{Name: "load",
			Action: load,
			Usage:  "load objects into a simulated space and display where they landed",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "resolve", Aliases: []string{"r"}, Usage: "host symbol as name=address"},
				&cli.StringSliceFlag{Name: "sym", Aliases: []string{"s"}, Usage: "symbol to look up after loading"},
				&cli.BoolFlag{Name: "host", Usage: "map into host memory instead of the simulator"},
				&cli.BoolFlag{Name: "global", Aliases: []string{"g"}, Usage: "open with global binding"},
			},
			Args: true,
		},
	}
	return app
}

func each(ctx *cli.Context, fn func(path string, f *object.File) error) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing object files")
	}
	for _, s := range ctx.Args().Slice() {
		var f *object.File
		if f, err = parseFile(s); err != nil {
			return
		}
		if ctx.Bool("dump") {
			spew.Fdump(ctx.App.Writer, f.Header, f.Progs)
		}
		err = fn(s, f)
		f.Close()
		if err != nil {
			return
		}
	}
	return
}

func headers(ctx *cli.Context) error {
	var infos Infos
	err := each(ctx, func(path string, f *object.File) error {
		infos = append(infos, parseInfo(path, f))
		return nil
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(ctx.App.Writer, infos.String())
	return err
}

func symbols(ctx *cli.Context) error {
	return each(ctx, func(path string, f *object.File) error {
		fmt.Fprintf(ctx.App.Writer, "%s:\n", path)
		for _, l := range symbolLines(f) {
			fmt.Fprintln(ctx.App.Writer, l)
		}
		return nil
	})
}

func needed(ctx *cli.Context) error {
	return each(ctx, func(path string, f *object.File) error {
		for _, n := range f.Needed() {
			fmt.Fprintf(ctx.App.Writer, "%s: %s\n", path, n)
		}
		return nil
	})
}

func relocs(ctx *cli.Context) error {
	return each(ctx, func(path string, f *object.File) error {
		fmt.Fprintf(ctx.App.Writer, "%s:\n", path)
		for _, l := range relocLines(f) {
			fmt.Fprintln(ctx.App.Writer, l)
		}
		if ctx.Bool("dump") {
			spew.Fdump(ctx.App.Writer, f.Relocs)
		}
		return nil
	})
}

func hash(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		fmt.Fprintf(ctx.App.Writer, "0x%08x %s\n", object.Hash(s), s)
	}
	return nil
}

func load(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing object files")
	}
	r, err := parseResolve(ctx.StringSlice("resolve"))
	if err != nil {
		return
	}
	cfg := dl.Config{Debug: ctx.Bool("debug"), Space: space.NewSim()}
	if ctx.Bool("host") {
		var h *space.Host
		if h, err = space.NewHost(space.DefaultLayout); err != nil {
			return
		}
		defer h.Close()
		cfg.Space = h
	}
	l := dl.NewLoader(cfg)
	flags := dl.Now
	if ctx.Bool("global") {
		flags |= dl.Global
	}
	var handles []*dl.Handle
	defer func() {
		for i := len(handles) - 1; i >= 0; i-- {
			if e := l.Close(handles[i]); e != nil && err == nil {
				err = e
			}
		}
	}()
	for _, s := range ctx.Args().Slice() {
		if s, err = filepath.Abs(s); err != nil {
			return
		}
		var h *dl.Handle
		if h, err = l.Open(s, flags, r); err != nil {
			return
		}
		handles = append(handles, h)
		for _, name := range ctx.StringSlice("sym") {
			if addr, e := l.Sym(h, name); e == nil {
				fmt.Fprintf(ctx.App.Writer, "%s: %s = 0x%08x\n", s, name, addr)
			} else {
				fmt.Fprintf(ctx.App.Writer, "%s: %s: %v\n", s, name, e)
			}
		}
	}
	l.Each(func(h *dl.Handle, in dl.Info) bool {
		fmt.Fprintf(ctx.App.Writer, "%s base 0x%08x size 0x%x origin 0x%08x entry 0x%08x refs %d flags %s\n",
			in.Path, in.Base, in.Size, in.Origin, in.Entry, in.Refs, in.Flags)
		for _, d := range in.Deps {
			fmt.Fprintf(ctx.App.Writer, "\tdepends on %s\n", d)
		}
		if ctx.Bool("dump") {
			spew.Fdump(ctx.App.Writer, in)
		}
		return true
	})
	return
}
