package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"task-runner-service/internal/task-runner/events"
)

const lastEventIDHeader = "Last-Event-ID"

// StreamTask serves a task's events as Server-Sent Events. The stream starts after the
// sequence number in ?after or Last-Event-ID, replays the log up to now, continues with live
// events and ends after the terminal event. Each frame carries the seq as its id so a client
// resumes exactly where it stopped.
func (h *TaskHandler) StreamTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	after, err := int64Query(c, "after", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	if last := string(c.GetHeader(lastEventIDHeader)); last != "" && c.Query("after") == "" {
		after, err = strconv.ParseInt(last, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid Last-Event-ID"})
			return
		}
	}
	if _, _, err := h.Executor.Get(ctx, id, 0); err != nil {
		writeError(ctx, c, err)
		return
	}

	c.SetStatusCode(http.StatusOK)
	c.Response.Header.Set("Content-Type", "text/event-stream")
	c.Response.Header.Set("Cache-Control", "no-cache")
	c.Response.Header.Set("Connection", "keep-alive")
	c.Response.Header.Set("X-Accel-Buffering", "no")
	c.Response.HijackWriter(resp.NewChunkedBodyWriter(&c.Response, c.GetWriter()))

	var buf bytes.Buffer
	send := func(ev events.Event) error {
		data, err := json.Marshal(elideEvent(ev, h.opts.MaxFieldBytes))
		if err != nil {
			return err
		}
		buf.Reset()
		fmt.Fprintf(&buf, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
		if _, err := c.Write(buf.Bytes()); err != nil {
			return err
		}
		return c.Flush()
	}
	ping := func() error {
		if _, err := c.Write([]byte(": ping\n\n")); err != nil {
			return err
		}
		return c.Flush()
	}

	hlog.CtxInfof(ctx, "API: streaming task %s after seq %d", id, after)
	err = events.Follow(ctx, h.Executor.Log(), h.Hub, id, after, send, events.FollowOptions{
		PollInterval: h.opts.StreamPoll,
		Ping:         ping,
	})
	if err != nil {
		hlog.CtxInfof(ctx, "API: stream of task %s ended: %v", id, err)
	}
}
