package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
)

// submitTask accepts a new task. Fresh submissions answer 202; an
// idempotent replay answers 200 with the stored outcome.
func (a *API) submitTask(c *gin.Context) {
	var req gateway.SubmitRequest
	if !a.bindJSON(c, &req) {
		return
	}

	resp, err := a.gw.SubmitTask(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}

	status := http.StatusAccepted
	if resp.IdempotentReplay {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (a *API) taskStatus(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("taskId"))
	if err != nil {
		a.notFound(c, unitybridge.CodeJobNotFound, "invalid job id: "+c.Param("taskId"))
		return
	}

	payload, err := a.gw.TaskStatus(c.Request.Context(), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (a *API) cancelTask(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("taskId"))
	if err != nil {
		a.notFound(c, unitybridge.CodeJobNotFound, "invalid job id: "+c.Param("taskId"))
		return
	}

	payload, err := a.gw.CancelTask(c.Request.Context(), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (a *API) heartbeat(c *gin.Context) {
	var req gateway.HeartbeatRequest
	if !a.bindJSON(c, &req) {
		return
	}

	resp, err := a.gw.Heartbeat(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// listTasksResponse is the envelope for the task listing.
type listTasksResponse struct {
	Tasks []*job.Job `json:"tasks"`
	Count int        `json:"count"`
}

// listTasks returns every stored job, optionally filtered by status.
func (a *API) listTasks(c *gin.Context) {
	status := job.Status(c.Query("status"))

	all := a.jobs.ListJobs()
	out := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	c.JSON(http.StatusOK, listTasksResponse{Tasks: out, Count: len(out)})
}
