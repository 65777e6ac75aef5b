package workflow

import (
	"context"
	"math/rand"

	"gorm.io/datatypes"
)

// Compiled is the output of the external workflow compiler: an
// executable prompt plus the capability sets the workflow requires.
type Compiled struct {
	Prompt         datatypes.JSONMap
	RequiredNodes  []string
	RequiredAssets []string
}

// Compiler turns a workflow reference and its arguments into an
// executable prompt. The real compiler lives outside this process;
// the gateway only consumes its interface.
type Compiler interface {
	Compile(ctx context.Context, workflowRef string, args map[string]interface{}) (*Compiled, error)
}

// seedKeys are the argument names treated as random seeds.
var seedKeys = map[string]struct{}{
	"seed":       {},
	"noise_seed": {},
	"rand_seed":  {},
}

// RegenerateSeeds returns a copy of args with every seed-valued
// parameter replaced by a fresh random value, so a requeued generation
// does not reproduce the failed sample.
func RegenerateSeeds(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		if _, ok := seedKeys[key]; ok {
			out[key] = rand.Int63()
			continue
		}
		out[key] = value
	}
	return out
}

// StaticCompiler satisfies Compiler with fixed outputs. It backs tests
// and deployments where workflows are pre-compiled at submission time.
type StaticCompiler struct {
	Compiled map[string]*Compiled
}

func (c *StaticCompiler) Compile(_ context.Context, workflowRef string, _ map[string]interface{}) (*Compiled, error) {
	if compiled, ok := c.Compiled[workflowRef]; ok {
		return compiled, nil
	}
	return &Compiled{Prompt: datatypes.JSONMap{}}, nil
}
