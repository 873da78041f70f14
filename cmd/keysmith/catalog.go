package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/catalog"
	"github.com/chazu/keysmith/config"
)

// handleCatalogCommand processes the `keysmith catalog` subcommand.
// Usage:
//
//	keysmith catalog list          Show the configured vocabulary by category
//	keysmith catalog check FILE    Validate every block in a catalog file
func handleCatalogCommand(args []string, cfg *config.Config) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: keysmith catalog [list|check] ...")
		fmt.Fprintln(os.Stderr, "  list          Show the configured vocabulary by category")
		fmt.Fprintln(os.Stderr, "  check FILE    Validate every block in a catalog file")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		if err := listCatalog(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "check":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: keysmith catalog check FILE")
			os.Exit(1)
		}
		problems, err := checkCatalog(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			os.Exit(1)
		}
		fmt.Printf("%s: ok\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown catalog subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func listCatalog(cfg *config.Config) error {
	src, err := catalogSource(cfg)
	if err != nil {
		return err
	}
	cat, err := src.List(context.Background())
	if err != nil {
		return err
	}

	categories := make([]string, 0, len(cat.Categories))
	for id := range cat.Categories {
		categories = append(categories, id)
	}
	sort.Strings(categories)
	for _, id := range categories {
		blocks := cat.InCategory(id)
		if len(blocks) == 0 {
			continue
		}
		fmt.Printf("%s (%s)\n", cat.Categories[id].Name, id)
		for _, blockID := range blocks {
			def := cat.Blocks[blockID]
			marker := ""
			if def.Container {
				marker = " [container]"
			}
			if def.Custom {
				marker += " [custom]"
			}
			fmt.Printf("  %-16s %s%s\n", blockID, def.Name, marker)
		}
	}
	return nil
}

// checkCatalog validates each definition in a catalog file and returns one
// line per problem.
func checkCatalog(path string) ([]string, error) {
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	schema, err := catalog.NewSchema()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(cat.Blocks))
	for id := range cat.Blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var problems []string
	for _, id := range ids {
		def := cat.Blocks[id]
		if err := schema.Validate(def); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", id, err))
		}
		problems = append(problems, checkOptions(cat, id, def)...)
	}
	return problems, nil
}

// checkOptions reports select params naming option sources the file does
// not define.
func checkOptions(cat *block.Catalog, id string, def block.Definition) []string {
	var problems []string
	for _, p := range def.Params {
		if p.Type != block.ParamSelect || p.Options == "" {
			continue
		}
		if _, ok := cat.OptionSources[p.Options]; !ok {
			problems = append(problems, fmt.Sprintf("%s: param %s uses unknown option source %q", id, p.Name, p.Options))
		}
	}
	return problems
}
