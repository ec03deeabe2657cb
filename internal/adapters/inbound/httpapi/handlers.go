package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

type subjectView struct {
	Subject       string   `json:"subject"`
	Username      string   `json:"username"`
	DisplayName   string   `json:"display_name"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified"`
	Groups        []string `json:"groups"`
	GroupSource   string   `json:"group_source"`
}

type sessionView struct {
	State            string       `json:"state"`
	Authenticated    bool         `json:"authenticated"`
	PendingChallenge string       `json:"pending_challenge,omitempty"`
	Subject          *subjectView `json:"subject,omitempty"`
}

func viewSession(s domain.Session) sessionView {
	v := sessionView{State: s.State(), Authenticated: s.Authenticated}
	if s.PendingChallenge != domain.ChallengeNone {
		v.PendingChallenge = s.PendingChallenge.String()
	}
	if u := s.Subject; u != nil {
		v.Subject = &subjectView{
			Subject:       u.Subject,
			Username:      u.Username,
			DisplayName:   u.DisplayName(),
			Email:         u.Email,
			EmailVerified: u.EmailVerified,
			Groups:        u.Groups.Names(),
			GroupSource:   u.GroupSource.String(),
		}
	}
	return v
}

type attemptView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Challenge string    `json:"challenge"`
	MFAMedium string    `json:"mfa_medium,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type signInResponse struct {
	Outcome string       `json:"outcome"`
	Session sessionView  `json:"session"`
	Attempt *attemptView `json:"attempt,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Error   *errorBody   `json:"error,omitempty"`
}

// The provider handle stays server-side; only the attempt id is exposed.
func (s *Server) writeAuthResult(w http.ResponseWriter, res domain.AuthChallengeResult) {
	s.metrics.signIns.WithLabelValues(res.Outcome.String()).Inc()

	out := signInResponse{
		Outcome: res.Outcome.String(),
		Session: viewSession(res.Session),
		Reason:  res.Reason,
	}
	if a := res.Attempt; a != nil {
		out.Attempt = &attemptView{
			ID:        a.ID,
			Username:  a.Username,
			Challenge: a.Challenge.String(),
			MFAMedium: a.MFAMedium,
			StartedAt: a.StartedAt,
		}
	}
	status := http.StatusOK
	if res.Outcome == domain.OutcomeFailed && res.Err != nil {
		var body errorBody
		status, body = errorPayload(res.Err)
		out.Error = &body
	}
	writeJSON(w, status, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		if err := s.console.WaitReady(r.Context()); err != nil {
			writeError(w, &domain.ConnectivityError{Op: "session restore", Err: err})
			return
		}
	}
	writeJSON(w, http.StatusOK, viewSession(s.console.Session()))
}

type signInRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Code      string `json:"code"`
	AttemptID string `json:"attempt_id"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := ports.SignInInput{
		Username:          req.Username,
		Password:          req.Password,
		ChallengeResponse: req.Code,
	}
	if req.AttemptID != "" {
		in.Attempt = &domain.Attempt{ID: req.AttemptID, Username: req.Username}
	}
	s.writeAuthResult(w, s.console.SignIn(r.Context(), in))
}

type resetRequest struct {
	NewPassword string `json:"new_password"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.writeAuthResult(w, s.console.CompleteCredentialReset(r.Context(), req.NewPassword))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.console.SignOut(r.Context())
	writeJSON(w, http.StatusOK, viewSession(s.console.Session()))
}

type authorizeRequest struct {
	Groups []string `json:"groups"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.console.Authorized(r.Context(), domain.NewGroupSet(req.Groups...))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": ok})
}

type deviceView struct {
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	SiteID     string `json:"site_id,omitempty"`
	WorkCellID string `json:"work_cell_id,omitempty"`
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id := domain.DeviceID(chi.URLParam(r, "id"))
	d, err := s.console.Describe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{
		DeviceID:   string(d.ID),
		Status:     d.Status.String(),
		SiteID:     d.SiteID,
		WorkCellID: d.WorkCellID,
	})
}

type outcomeView struct {
	Kind            string       `json:"kind"`
	DeviceID        string       `json:"device_id"`
	ResultingStatus string       `json:"resulting_status"`
	Affected        []deviceView `json:"affected"`
	Message         string       `json:"message,omitempty"`
	RequestID       string       `json:"request_id"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseTransitionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	params := map[string]string{}
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	out, err := s.console.Execute(r.Context(), kind, params)
	s.metrics.latency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		status, code := classify(err)
		s.metrics.transitions.WithLabelValues(string(kind), code).Inc()
		s.log.Info("transition failed",
			zap.String("kind", string(kind)),
			zap.Int("status", status),
			zap.Error(err))
		writeError(w, err)
		return
	}
	s.metrics.transitions.WithLabelValues(string(kind), "ok").Inc()

	view := outcomeView{
		Kind:            string(out.Kind),
		DeviceID:        string(out.DeviceID),
		ResultingStatus: out.ResultingStatus.String(),
		Message:         out.Message,
		RequestID:       out.RequestID,
	}
	for _, c := range out.Affected {
		view.Affected = append(view.Affected, deviceView{DeviceID: string(c.DeviceID), Status: c.Status.String()})
	}
	w.Header().Set("X-Request-Id", out.RequestID)
	writeJSON(w, http.StatusOK, view)
}
