package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/route"
)

// Register mounts the runner's HTTP surface on r.
func Register(r route.IRouter, tasks *TaskHandler, types *TaskTypeHandler) {
	taskGroup := r.Group("/tasks")
	{
		taskGroup.POST("", tasks.CreateTask)
		taskGroup.GET("", tasks.GetTasks)
		taskGroup.GET("/:id", tasks.GetTaskByID)
		taskGroup.GET("/:id/events", tasks.GetTaskEvents)
		taskGroup.GET("/:id/stream", tasks.StreamTask)
		taskGroup.POST("/:id/cancel", tasks.CancelTask)
		taskGroup.POST("/:id/early-stop", tasks.EarlyStopTask)
	}
	typeGroup := r.Group("/types")
	{
		typeGroup.GET("", types.GetTaskTypes)
		typeGroup.GET("/:name", types.GetTaskTypeByName)
	}

	r.GET("/ping", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
}
