package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/newsroom/courier"
	"github.com/newsroom/courier/internal/dao"
	"github.com/rs/xid"
)

func respond(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(message))
}

// processQueue is the scheduler facing trigger. The caller only logs the
// response, so both outcomes are plain text: 200 with a drain summary,
// including the empty queue case, or 500 when provisioning killed the batch.
func processQueue(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.drainer.Drain(r.Context())
		if err != nil {
			s.log.WithError(err).Error("queue processing failed")
			respond(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, http.StatusOK, report.String())
	}
}

type taskRequest struct {
	courier.Email
	TrackingID string `json:"trackingId"`
}

func enqueueTask(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req taskRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			respond(w, http.StatusBadRequest, "could not parse body")
			return
		}

		err = req.Valid()
		if err != nil {
			respond(w, http.StatusBadRequest, err.Error())
			return
		}

		task := dao.EmailTask{
			ID:         xid.New().String(),
			To:         req.To,
			From:       req.From,
			Subject:    req.Subject,
			HTML:       req.HTML,
			Cc:         req.Cc,
			Bcc:        req.Bcc,
			ReplyTo:    req.ReplyTo,
			TrackingID: req.TrackingID,
			Status:     dao.TaskStatusPending,
			CreatedAt:  time.Now().In(time.UTC),
		}

		err = s.db.AddTask(task)
		if err != nil {
			s.log.WithError(err).Error("could not enqueue task")
			respond(w, http.StatusInternalServerError, "could not enqueue task")
			return
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": task.ID})
	}
}

func getTask(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		task, err := s.db.GetTask(id)
		if errors.Is(err, dao.ErrNotFound) {
			respond(w, http.StatusNotFound, "no such task")
			return
		}
		if err != nil {
			s.log.WithError(err).Error("could not read task")
			respond(w, http.StatusInternalServerError, "could not read task")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(task)
	}
}
