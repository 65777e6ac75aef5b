package bind

import (
	agentctrl "github.com/comfygate/comfygate/api/rest/controller/agent"
	genctrl "github.com/comfygate/comfygate/api/rest/controller/generation"
	streamctrl "github.com/comfygate/comfygate/api/rest/controller/stream"
	taskctrl "github.com/comfygate/comfygate/api/rest/controller/task"
	agentsvc "github.com/comfygate/comfygate/api/rest/service/agent"
	gensvc "github.com/comfygate/comfygate/api/rest/service/generation"
	tasksvc "github.com/comfygate/comfygate/api/rest/service/task"
	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/labstack/echo/v4"
)

// All binds the versioned REST endpoints onto the group.
func All(g *echo.Group, gw *gateway.Gateway) {
	agents := agentctrl.New(agentsvc.Service(gw))
	generations := genctrl.New(gensvc.Service(gw))
	tasks := taskctrl.New(tasksvc.Service(gw))
	events := streamctrl.New(gw.Bus)

	// agents
	{
		g.POST("/agents", agents.Register)
		g.GET("/agents/:device/events", agents.Poll)
		g.PUT("/agents/:device", agents.State)
		g.POST("/agents/:device/commands", agents.Command)
	}

	// generations
	{
		g.POST("/generations", generations.Post)
		g.GET("/generations", generations.List)
		g.POST("/generations/updates", generations.Updates)
		g.GET("/generations/:id", generations.Get)
		g.GET("/generations/:id/prompt", generations.Prompt)
		g.PUT("/generations/:id/result", generations.Result)
		g.POST("/generations/:id/requeue", generations.Requeue)
		g.DELETE("/generations/:id", generations.Delete)
	}

	// ai tasks
	{
		g.POST("/tasks", tasks.Post)
		g.GET("/tasks/:id", tasks.Get)
		g.PUT("/tasks/:id/result", tasks.Result)
	}

	// event stream
	{
		g.GET("/events", events.Stream)
	}
}
