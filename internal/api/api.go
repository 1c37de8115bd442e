/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the broadcast control surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/broadcast"
	"github.com/friendsincode/skald/internal/mixer"
)

// API holds the HTTP handlers for broadcast control.
type API struct {
	broadcasts *broadcast.Service
	logger     zerolog.Logger
}

// New creates the API handler set.
func New(broadcasts *broadcast.Service, logger zerolog.Logger) *API {
	return &API{
		broadcasts: broadcasts,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all broadcast control endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/channels/{channelID}/broadcast", a.startBroadcast)
	r.Post("/broadcasts/{broadcastID}/stop", a.stopBroadcast)
	r.Get("/broadcasts/{broadcastID}", a.broadcastStatus)
	r.Post("/broadcasts/{broadcastID}/volume", a.setVolume)
	r.Post("/broadcasts/{broadcastID}/media", a.playMedia)
	r.Post("/broadcasts/{broadcastID}/tts", a.playTts)
}

type startRequest struct {
	GroupIDs []int64 `json:"group_ids,omitempty"`
}

type startResponse struct {
	BroadcastID int64          `json:"broadcast_id"`
	SpeakerIDs  string         `json:"speaker_ids"`
	Takeovers   []takeoverInfo `json:"takeovers,omitempty"`
}

type takeoverInfo struct {
	SpeakerID  int64 `json:"speaker_id"`
	PriorOwner int64 `json:"prior_owner_channel_id"`
}

func (a *API) startBroadcast(w http.ResponseWriter, r *http.Request) {
	channelID, err := idParam(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_channel_id")
		return
	}

	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
	}

	b, takeovers, err := a.broadcasts.Start(channelID, req.GroupIDs)
	switch {
	case errors.Is(err, broadcast.ErrAlreadyBroadcasting):
		writeError(w, http.StatusConflict, "already_broadcasting")
		return
	case errors.Is(err, broadcast.ErrNoSpeakers):
		writeError(w, http.StatusConflict, "no_speakers_available")
		return
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "channel_not_found")
		return
	case err != nil:
		a.logger.Error().Err(err).Int64("channel", channelID).Msg("broadcast start failed")
		writeError(w, http.StatusInternalServerError, "start_failed")
		return
	}

	resp := startResponse{BroadcastID: b.ID, SpeakerIDs: b.SpeakerIDs}
	for _, t := range takeovers {
		resp.Takeovers = append(resp.Takeovers, takeoverInfo{SpeakerID: t.SpeakerID, PriorOwner: t.PriorOwner})
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) stopBroadcast(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_broadcast_id")
		return
	}

	err = a.broadcasts.Stop(broadcastID)
	switch {
	case errors.Is(err, broadcast.ErrNotOngoing):
		writeError(w, http.StatusConflict, "not_ongoing")
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "broadcast_not_found")
	case err != nil:
		a.logger.Error().Err(err).Int64("broadcast", broadcastID).Msg("broadcast stop failed")
		writeError(w, http.StatusInternalServerError, "stop_failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

func (a *API) broadcastStatus(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_broadcast_id")
		return
	}

	st, err := a.broadcasts.Status(broadcastID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "broadcast_not_found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "status_failed")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

type volumeRequest struct {
	Source string  `json:"source"`
	Value  float64 `json:"value"`
}

func (a *API) setVolume(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_broadcast_id")
		return
	}

	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	var source mixer.VolumeSource
	switch req.Source {
	case "mic":
		source = mixer.SourceMic
	case "media":
		source = mixer.SourceMedia
	case "tts":
		source = mixer.SourceTts
	case "master":
		source = mixer.SourceMaster
	default:
		writeError(w, http.StatusBadRequest, "invalid_source")
		return
	}

	if err := a.broadcasts.SetVolume(broadcastID, source, req.Value); err != nil {
		writeError(w, http.StatusConflict, "not_ongoing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contentRequest struct {
	Path string `json:"path"`
}

func (a *API) playMedia(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_broadcast_id")
		return
	}

	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := a.broadcasts.PlayMedia(broadcastID, req.Path); err != nil {
		a.logger.Warn().Err(err).Int64("broadcast", broadcastID).Msg("media attach failed")
		writeError(w, http.StatusUnprocessableEntity, "media_attach_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing"})
}

func (a *API) playTts(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_broadcast_id")
		return
	}

	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	id, err := a.broadcasts.PlayTts(broadcastID, req.Path)
	if err != nil {
		a.logger.Warn().Err(err).Int64("broadcast", broadcastID).Msg("tts attach failed")
		writeError(w, http.StatusUnprocessableEntity, "tts_attach_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"stream_id": id})
}

func idParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
