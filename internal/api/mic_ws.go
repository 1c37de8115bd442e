/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/skald/internal/broadcast"
)

// MicWebSocket ingests live microphone audio for an ongoing broadcast.
// Clients send binary frames of raw PCM16 little-endian samples at the
// broadcast's mix format; there is no response stream.
type MicWebSocket struct {
	broadcasts *broadcast.Service
	logger     zerolog.Logger
}

// NewMicWebSocket creates the microphone ingest handler.
func NewMicWebSocket(broadcasts *broadcast.Service, logger zerolog.Logger) *MicWebSocket {
	return &MicWebSocket{
		broadcasts: broadcasts,
		logger:     logger.With().Str("component", "mic_ws").Logger(),
	}
}

// HandleWebSocket accepts a connection and pumps microphone frames into the
// broadcast's jitter buffer until the client disconnects.
func (h *MicWebSocket) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	broadcastID, err := idParam(r, "broadcastID")
	if err != nil {
		http.Error(w, "broadcast id required", http.StatusBadRequest)
		return
	}

	st, err := h.broadcasts.Status(broadcastID)
	if err != nil {
		http.Error(w, "broadcast not found", http.StatusNotFound)
		return
	}
	if !st.Active {
		http.Error(w, "broadcast not active", http.StatusConflict)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	h.logger.Debug().Int64("broadcast", broadcastID).Msg("microphone websocket connected")

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			h.logger.Debug().Err(err).Int64("broadcast", broadcastID).Msg("microphone websocket closed")
			conn.Close(ws.StatusNormalClosure, "")
			return
		}
		if msgType != ws.MessageBinary || len(data) == 0 {
			continue
		}
		h.broadcasts.PushMicrophoneData(broadcastID, data)
	}
}
