package main

import (
	"flag"
	"log"

	"github.com/danmuck/edgelink/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "bridge":
		return "cmd/bridgectl/config.toml"
	case "devicesim":
		return "cmd/devicesim/config.toml"
	default:
		log.Fatalf("unknown kind: %s (supported: %v)", kind, config.Kinds())
		return ""
	}
}

func main() {
	kind := flag.String("kind", "bridge", "config kind: bridge|devicesim")
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
		if err := config.Validate(path, *kind); err != nil {
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
