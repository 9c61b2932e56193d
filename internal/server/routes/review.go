package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gcquraishi/chronosgraph/internal/server/middleware"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func GetReviewHandler(c echo.Context) error {
	type getReviewParams struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
	}

	params := new(getReviewParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	q := c.(*middleware.AppContext).App.Review
	ctx := c.Request().Context()
	status := review.Status(params.Status)

	var (
		flags []*review.Flag
		err   error
	)
	if params.Kind == "" {
		flags, err = q.ListAll(ctx, status)
	} else {
		kind, kerr := review.ParseKind(params.Kind)
		if kerr != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown flag kind"})
		}
		flags, err = q.List(ctx, kind, status)
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if flags == nil {
		flags = []*review.Flag{}
	}
	return c.JSON(http.StatusOK, flags)
}

func ResolveReviewHandler(c echo.Context) error {
	type resolveReviewParams struct {
		Kind       string `param:"kind" validate:"required"`
		FlagID     string `param:"id" validate:"required"`
		Status     string `json:"status" validate:"required"`
		ResolvedBy string `json:"resolved_by"`
	}

	params := new(resolveReviewParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	kind, err := review.ParseKind(params.Kind)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown flag kind"})
	}

	user := c.(*middleware.AppContext).User
	resolvedBy := params.ResolvedBy
	if resolvedBy == "" && user != nil {
		resolvedBy = user.AgentID
	}

	q := c.(*middleware.AppContext).App.Review
	flag, err := q.Resolve(c.Request().Context(), kind, params.FlagID, review.Status(params.Status), resolvedBy)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, flag)
	case errors.Is(err, store.ErrNodeNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Flag not found"})
	case errors.Is(err, review.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, review.ErrInvalidStatus), errors.Is(err, review.ErrMissingResolver):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
}
