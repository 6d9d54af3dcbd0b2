package main

import (
	"flag"
	"log"
	"strings"

	"github.com/danmuck/drtio/internal/config"
)

func main() {
	kind := flag.String("kind", "master", "config kind: "+strings.Join(config.Kinds, "|"))
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if *kind == "topology" {
			if _, err := config.LoadTopology(path); err != nil {
				log.Fatal(err)
			}
		} else if _, err := config.LoadNode(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "topology":
		return "cmd/simctl/topology.toml"
	case "master", "satellite", "repeater":
		return "cmd/nodectl/" + kind + ".toml"
	}
	log.Fatalf("unknown kind: %s", kind)
	return ""
}
