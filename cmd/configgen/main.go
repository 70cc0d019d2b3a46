package main

import (
	"flag"
	"log"

	"github.com/danmuck/apisession/internal/config"
	"github.com/danmuck/apisession/internal/environment"
)

func defaultPath(kind string) string {
	switch kind {
	case config.KindClient:
		return "cmd/apisessionctl/config.toml"
	case config.KindMockAPI:
		return "cmd/mockapi/config.toml"
	case config.KindEnvironments:
		return "cmd/apisessionctl/environments.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", config.KindClient, "config kind: client|mockapi|environments")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case config.KindClient:
			if _, err := config.LoadClientConfig(path); err != nil {
				log.Fatal(err)
			}
		case config.KindMockAPI:
			if _, err := config.LoadMockAPIConfig(path); err != nil {
				log.Fatal(err)
			}
		case config.KindEnvironments:
			entries, err := environment.LoadFile(path)
			if err != nil {
				log.Fatal(err)
			}
			log.Printf("Found %d environments", len(entries))
		default:
			log.Fatalf("unknown kind: %s", *kind)
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
