package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/sampark/model"
)

const maxListLimit = 200

// runResponse is a run snapshot together with its channel bindings.
type runResponse struct {
	model.WorkflowRun
	Associations []model.CommunicationAssociation `json:"associations"`
}

type runListResponse struct {
	Runs   []model.WorkflowRun `json:"runs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

func handleGetRun(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		run, err := engine.GetRun(r.Context(), runID)
		if err != nil {
			WriteError(w, err)
			return
		}
		assocs, err := engine.ListAssociations(r.Context(), runID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if assocs == nil {
			assocs = []model.CommunicationAssociation{}
		}
		WriteJSON(w, http.StatusOK, runResponse{WorkflowRun: run, Associations: assocs})
	}
}

func handleListRuns(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseRunFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		runs, err := engine.ListRuns(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if runs == nil {
			runs = []model.WorkflowRun{}
		}
		WriteJSON(w, http.StatusOK, runListResponse{Runs: runs, Limit: filters.Limit, Offset: filters.Offset})
	}
}

func handleRunByChannel(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelType := chi.URLParam(r, "channelType")
		channelID := chi.URLParam(r, "channelId")
		runID, err := engine.FindRunByChannel(r.Context(), channelType, channelID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, model.CommunicationAssociation{
			ChannelType: channelType,
			ChannelID:   channelID,
			RunID:       runID,
		})
	}
}

func parseRunFilters(r *http.Request) (model.RunFilters, error) {
	q := r.URL.Query()
	filters := model.RunFilters{
		Codename: q.Get("codename"),
		Status:   model.RunStatus(q.Get("status")),
		Limit:    50,
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return model.RunFilters{}, model.NewBadRequestError(fmt.Sprintf("unknown status %q", filters.Status))
	}

	var err error
	if v := q.Get("limit"); v != "" {
		if filters.Limit, err = strconv.Atoi(v); err != nil || filters.Limit < 1 {
			return model.RunFilters{}, model.NewBadRequestError("limit must be a positive integer")
		}
		filters.Limit = min(filters.Limit, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		if filters.Offset, err = strconv.Atoi(v); err != nil || filters.Offset < 0 {
			return model.RunFilters{}, model.NewBadRequestError("offset must be a non-negative integer")
		}
	}
	return filters, nil
}
