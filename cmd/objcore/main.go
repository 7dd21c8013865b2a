// objcore inspects program image stores and runtime configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/chazu/objcore/config"
	"github.com/chazu/objcore/store"
	"github.com/chazu/objcore/vm/image"
)

func main() {
	dbPath := flag.String("db", defaultDB(), "Image store database")
	dir := flag.String("C", ".", "Directory to search for objcore.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: objcore [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  config            Print the effective configuration\n")
		fmt.Fprintf(os.Stderr, "  list              List stored images\n")
		fmt.Fprintf(os.Stderr, "  put <file>...     Store image files\n")
		fmt.Fprintf(os.Stderr, "  show <name>       Print the tables of the newest image of a program\n")
		fmt.Fprintf(os.Stderr, "  rm <name>         Delete every image of a program\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Apply()

	if err := run(cfg, *dbPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultDB() string {
	if p := os.Getenv("OBJCORE_DB"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "images.db"
	}
	return filepath.Join(home, ".objcore", "images.db")
}

func run(cfg *config.Config, dbPath, cmd string, args []string) error {
	if cmd == "config" {
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch cmd {
	case "list":
		entries, err := s.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHASH\tSIZE\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%x\t%d\t%s\n", e.Name, e.Hash[:6], e.Size, e.Created.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()

	case "put":
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			e, err := s.Put(ctx, data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s %x\n", e.Name, e.Hash[:6])
		}
		return nil

	case "show":
		if len(args) != 1 {
			return fmt.Errorf("show takes one program name")
		}
		data, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		img, err := image.Unmarshal(data)
		if err != nil {
			return err
		}
		printImage(img)
		return nil

	case "rm":
		for _, name := range args {
			if err := s.Delete(ctx, name); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

var memberKinds = map[image.MemberKind]string{
	image.MemberVariable: "variable",
	image.MemberBytecode: "bytecode",
	image.MemberNative:   "native",
	image.MemberConstant: "constant",
	image.MemberSuper:    "super",
}

func printImage(img *image.Image) {
	fmt.Printf("program %s (%d bytes of code)\n", img.Name, len(img.Code))
	if img.Nested {
		fmt.Printf("  nested in parent identifier %d\n", img.ParentIdentifier)
	}
	for i, in := range img.Inherits {
		if in.Name != "" {
			fmt.Printf("  inherit %d: %s as %s\n", i, in.Program, in.Name)
		} else {
			fmt.Printf("  inherit %d: %s\n", i, in.Program)
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  MEMBER\tKIND\tTYPE\tDETAIL")
	for _, m := range img.Members {
		detail := ""
		switch m.Kind {
		case image.MemberBytecode:
			detail = fmt.Sprintf("offset %d", m.Offset)
		case image.MemberConstant:
			detail = fmt.Sprintf("constant %d", m.Constant)
		case image.MemberSuper:
			detail = fmt.Sprintf("inherit %d", m.Inherit)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", m.Name, memberKinds[m.Kind], m.Type, detail)
	}
	w.Flush()
	if reqs := img.Requires(); len(reqs) > 0 {
		fmt.Printf("  requires %v\n", reqs)
	}
}
