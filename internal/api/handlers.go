package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/util"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// timestampRequest is the optional body of the no-show, delivered and run endpoints.
type timestampRequest struct {
	At time.Time `json:"at,omitempty"`
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched
// when optional is true.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	slog.Warn("Server.methodNotAllowed: method not allowed", "method", r.Method, "path", r.URL.Path)
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
}

func (s *Server) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "remindpipe"}))
}

// createPatientHandler stores a new profile under a generated ID.
func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	s.storeProfile(w, r, util.GeneratePatientID(), http.StatusCreated)
}

func (s *Server) upsertPatientHandler(w http.ResponseWriter, r *http.Request) {
	s.storeProfile(w, r, mux.Vars(r)["id"], http.StatusOK)
}

func (s *Server) storeProfile(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req models.PatientProfileRequest
	if err := decodeJSON(r, &req, false); err != nil {
		slog.Warn("Server.storeProfile: failed to decode JSON", "error", err, "patientID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	profile, err := req.ToProfile(id, s.cfg.InitialCompliance)
	if err != nil {
		writeError(w, "storeProfile", err)
		return
	}
	stored, err := s.store.UpsertProfile(r.Context(), profile)
	if err != nil {
		writeError(w, "storeProfile", err)
		return
	}
	slog.Info("Server.storeProfile: profile stored", "patientID", id, "policy", stored.Policy.Kind)
	writeJSONResponse(w, status, models.Success(stored))
}

func (s *Server) getPatientHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	profile, err := s.store.GetProfile(r.Context(), id)
	if err != nil {
		writeError(w, "getPatientHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// patientEventsHandler lists a patient's events. Optional query parameters:
// status (repeatable) and limit.
func (s *Server) patientEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetProfile(r.Context(), id); err != nil {
		writeError(w, "patientEventsHandler", err)
		return
	}

	q := store.EventQuery{PatientIDs: []string{id}}
	for _, raw := range r.URL.Query()["status"] {
		status := models.EventStatus(raw)
		if !models.IsValidEventStatus(status) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown status %q", raw)))
			return
		}
		q.Statuses = append(q.Statuses, status)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}

	evs, err := s.store.ListEvents(r.Context(), q)
	if err != nil {
		writeError(w, "patientEventsHandler", err)
		return
	}
	if evs == nil {
		evs = []models.ReminderEvent{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(evs))
}

// scheduleRunHandler runs a scheduling pass, as of "at" when given.
func (s *Server) scheduleRunHandler(w http.ResponseWriter, r *http.Request) {
	var req timestampRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.engine.Run(r.Context(), s.at(req.At))
	if res == nil {
		writeError(w, "scheduleRunHandler", err)
		return
	}
	msg := fmt.Sprintf("%d reminders scheduled", len(res.Scheduled))
	if err != nil {
		slog.Warn("Server.scheduleRunHandler: pass completed with errors", "error", err)
		msg += "; some patients failed: " + err.Error()
	}
	writeJSONResponse(w, http.StatusOK, models.ScheduledWithResult(msg, res))
}

func (s *Server) dispatchRunHandler(w http.ResponseWriter, r *http.Request) {
	results, err := s.dispatcher.DispatchPending(r.Context())
	if err != nil && len(results) == 0 {
		writeError(w, "dispatchRunHandler", err)
		return
	}
	msg := fmt.Sprintf("%d reminders dispatched", len(results))
	if err != nil {
		slog.Warn("Server.dispatchRunHandler: dispatch completed with errors", "error", err)
		msg += "; some events failed: " + err.Error()
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, results))
}

func (s *Server) dispatchEventHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		writeError(w, "dispatchEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) stalledEventsHandler(w http.ResponseWriter, r *http.Request) {
	evs, err := s.dispatcher.Stalled(r.Context())
	if err != nil {
		writeError(w, "stalledEventsHandler", err)
		return
	}
	if evs == nil {
		evs = []models.ReminderEvent{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(evs))
}

func (s *Server) releaseEventHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, err := s.dispatcher.Release(r.Context(), id)
	if err != nil {
		writeError(w, "releaseEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ev))
}

func (s *Server) responseHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.EventOutcomeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		slog.Warn("Server.responseHandler: failed to decode JSON", "error", err, "eventID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Responded == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("responded is required"))
		return
	}
	ev, err := s.tracker.RecordResponse(r.Context(), id, *req.Responded, s.at(req.At))
	if err != nil {
		writeError(w, "responseHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithResult(ev))
}

func (s *Server) noShowHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req timestampRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ev, err := s.tracker.RecordNoShow(r.Context(), id, s.at(req.At))
	if err != nil {
		writeError(w, "noShowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithResult(ev))
}

func (s *Server) deliveredHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req timestampRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ev, err := s.tracker.RecordDelivered(r.Context(), id, s.at(req.At))
	if err != nil {
		writeError(w, "deliveredHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithResult(ev))
}

func (s *Server) cohortSummaryHandler(w http.ResponseWriter, r *http.Request) {
	var filter models.CohortFilter
	if err := decodeJSON(r, &filter, true); err != nil {
		slog.Warn("Server.cohortSummaryHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("from must be before to"))
		return
	}
	summary, err := s.reports.Summarize(r.Context(), filter)
	if err != nil {
		writeError(w, "cohortSummaryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}
