// Package api serves the JSON room endpoints used by the frontend before it
// opens a signaling socket.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/captcha"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/rooms"
)

const maxBodyBytes = 16 * 1024

const (
	errRateLimited   = "Rate limit exceeded"
	errCaptchaFailed = "CAPTCHA verification failed"
	errInvalidBody   = "Invalid request body"
	errRoomNotFound  = "Room not found"
	errInvalidAction = "Invalid action"
	errNoActiveRooms = "No active rooms available"
	errInternal      = "Internal server error"
)

const (
	actionVerify = "verify"
	actionSet    = "set"
)

type Config struct {
	Rooms *rooms.Registry
	// Captcha nil skips verification.
	Captcha captcha.Verifier
	// CreateLimiter is keyed by client IP. Nil (or disabled) means no limit.
	CreateLimiter *ratelimit.KeyedLimiter
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type API struct {
	rooms   *rooms.Registry
	captcha captcha.Verifier
	limiter *ratelimit.KeyedLimiter
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*API, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("api: room registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		rooms:   cfg.Rooms,
		captcha: cfg.Captcha,
		limiter: cfg.CreateLimiter,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}, nil
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/create-room", a.handleCreateRoom)
	mux.HandleFunc("GET /api/room/{id}/exists", a.handleRoomExists)
	mux.HandleFunc("POST /api/room/{id}/password", a.handleRoomPassword)
	mux.HandleFunc("GET /api/roulette", a.handleRoulette)
}

type createRoomRequest struct {
	CaptchaToken string `json:"captcha_token"`
	Password     string `json:"password"`
}

type createRoomResponse struct {
	RoomID            string `json:"room_id"`
	PasswordProtected bool   `json:"password_protected"`
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !a.limiter.Allow(ip) {
		a.metrics.Inc(metrics.RoomCreateRateLimited)
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if a.captcha != nil {
		ok, err := a.captcha.Verify(r.Context(), req.CaptchaToken, ip)
		if err != nil {
			a.log.Warn("captcha verification failed", "remote_ip", ip, "err", err)
		}
		if !ok {
			a.metrics.Inc(metrics.CaptchaFailed)
			writeError(w, http.StatusBadRequest, errCaptchaFailed)
			return
		}
	}

	id := a.rooms.Create(req.Password)
	info, _ := a.rooms.Lookup(id)
	a.metrics.Inc(metrics.RoomsCreated)
	a.log.Info("room created", "room_id", id, "password_protected", info.PasswordProtected)

	httpserver.WriteJSON(w, http.StatusOK, createRoomResponse{
		RoomID:            id,
		PasswordProtected: info.PasswordProtected,
	})
}

func (a *API) handleRoomExists(w http.ResponseWriter, r *http.Request) {
	info, ok := a.rooms.Lookup(r.PathValue("id"))
	httpserver.WriteJSON(w, http.StatusOK, map[string]bool{
		"exists":             ok,
		"password_protected": ok && info.PasswordProtected,
	})
}

type passwordRequest struct {
	Action   string `json:"action"`
	Password string `json:"password"`
}

func (a *API) handleRoomPassword(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.rooms.Exists(id) {
		writeError(w, http.StatusNotFound, errRoomNotFound)
		return
	}

	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	password := strings.TrimSpace(req.Password)

	switch req.Action {
	case actionVerify:
		a.metrics.Inc(metrics.PasswordVerifyRequests)
		valid, err := a.rooms.VerifyPassword(id, password)
		if err != nil {
			a.writeRegistryError(w, err)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]bool{"valid": valid})
	case actionSet:
		a.metrics.Inc(metrics.PasswordSetRequests)
		protected, err := a.rooms.SetPassword(id, password)
		if err != nil {
			a.writeRegistryError(w, err)
			return
		}
		a.log.Info("room password changed", "room_id", id, "password_protected", protected)
		httpserver.WriteJSON(w, http.StatusOK, map[string]bool{
			"success":            true,
			"password_protected": protected,
		})
	default:
		writeError(w, http.StatusBadRequest, errInvalidAction)
	}
}

func (a *API) handleRoulette(w http.ResponseWriter, r *http.Request) {
	id, err := a.rooms.RandomActiveRoom()
	if errors.Is(err, rooms.ErrNoActiveRooms) {
		writeError(w, http.StatusNotFound, errNoActiveRooms)
		return
	}
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"room_id": id})
}

// writeRegistryError covers the room disappearing between the existence
// check and the operation (empty-room collection).
func (a *API) writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, rooms.ErrNotFound) {
		writeError(w, http.StatusNotFound, errRoomNotFound)
		return
	}
	a.log.Error("room registry error", "err", err)
	writeError(w, http.StatusInternalServerError, errInternal)
}

// decodeBody accepts an empty body as {}. It writes the 400 itself and
// reports false when the body is not a JSON object of the expected shape.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return false
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httpserver.WriteJSON(w, status, map[string]string{"error": msg})
}

// clientIP is the peer address of the connection. Forwarded headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
