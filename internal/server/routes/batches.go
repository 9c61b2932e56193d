package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gcquraishi/chronosgraph/internal/queue"
	"github.com/gcquraishi/chronosgraph/internal/server/middleware"
	"github.com/gcquraishi/chronosgraph/internal/storage"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/validate"
)

// SubmitBatchHandler checks the batch header and queues the batch for the
// worker. Large batches are parked in object storage when it is
// configured.
func SubmitBatchHandler(c echo.Context) error {
	type submitBatchParams struct {
		BatchID       string        `json:"batch_id" validate:"omitempty,max=128,printascii"`
		Batch         *common.Batch `json:"batch" validate:"-"`
		Execute       bool          `json:"execute"`
		ExecuteMerges bool          `json:"execute_merges"`
		Strict        bool          `json:"strict"`
	}

	params := new(submitBatchParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	// The batch itself is checked by ValidateBatch below and record by
	// record in the worker.
	if err := c.Validate(params); err != nil || params.Batch == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	if app.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue not configured"})
	}
	ctx := c.Request().Context()

	rep, err := validate.ValidateBatch(ctx, params.Batch, app.Store)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if err := rep.BatchErr(); err != nil {
		var ve *common.ValidationError
		errors.As(err, &ve)
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": "Invalid batch", "messages": ve.Messages})
	}

	batchID := params.BatchID
	if batchID == "" {
		if batchID, err = util.NewBatchID("batch"); err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
	}
	msg := queue.IngestMsg{
		BatchID:       batchID,
		Context:       common.ContextAPI,
		Execute:       params.Execute,
		ExecuteMerges: params.ExecuteMerges,
		Strict:        params.Strict,
	}
	if user := c.(*middleware.AppContext).User; user != nil {
		msg.AgentID = user.AgentID
	}
	if app.Objects != nil {
		data, err := json.Marshal(params.Batch)
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if msg.ObjectKey, err = app.Objects.Put(ctx, storage.BatchKey(batchID), data); err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
	} else {
		msg.Batch = params.Batch
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if err := queue.PublishFIFO(app.Queue, app.IngestQueue, body); err != nil {
		logger.Error("[API] Failed to queue batch", "batch", batchID, "err", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}

	logger.Info("[API] Batch queued", "batch", batchID, "records", params.Batch.Size(), "execute", params.Execute)
	return c.JSON(http.StatusAccepted, map[string]any{"batch_id": batchID, "records": params.Batch.Size(), "execute": params.Execute})
}

// EnrichWorkHandler queues narrative enrichment for a stored work.
func EnrichWorkHandler(c echo.Context) error {
	type enrichWorkParams struct {
		QID     string `param:"qid" validate:"required"`
		Execute bool   `json:"execute"`
	}

	params := new(enrichWorkParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	qid := util.NormalizeQID(params.QID)
	if err := identity.ValidateWikidataQID(qid); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	app := c.(*middleware.AppContext).App
	if app.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue not configured"})
	}
	body, err := json.Marshal(queue.EnrichMsg{WikidataID: qid, Execute: params.Execute})
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if err := queue.PublishFIFO(app.Queue, app.EnrichQueue, body); err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{"wikidata_id": qid, "execute": params.Execute})
}
