package main

import (
	"github.com/comfygate/comfygate/cmd"
	"github.com/comfygate/comfygate/pkg/env"
	"github.com/comfygate/comfygate/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("comfygate failure", "error", err)
	}
}
