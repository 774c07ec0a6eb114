package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"channel-digest/pkg/notifier"
	"channel-digest/storage"
)

const maxSubscriptionBody = 64 << 10

type subscriptionRequest struct {
	ChannelURL  string `json:"channel_url"`
	ChannelName string `json:"channel_name"`
	UserEmail   string `json:"user_email"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscriptionBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ChannelURL = strings.TrimSpace(req.ChannelURL)
	req.ChannelName = strings.TrimSpace(req.ChannelName)
	req.UserEmail = strings.TrimSpace(req.UserEmail)

	if !isValidEmail(req.UserEmail) {
		s.writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if req.ChannelURL == "" {
		s.writeError(w, http.StatusBadRequest, "channel_url is required")
		return
	}
	if req.ChannelName == "" {
		req.ChannelName = req.ChannelURL
	}

	sub, err := s.store.Add(r.Context(), req.ChannelURL, req.ChannelName, req.UserEmail)
	if errors.Is(err, storage.ErrExists) {
		s.writeError(w, http.StatusBadRequest, "Subscription already exists for this email and channel")
		return
	}
	if err != nil {
		s.logger.Error("Failed to save subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Subscription created", "id", sub.ID, "email", sub.UserEmail, "channel", sub.ChannelURL, "ip", ip)
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(subs))
}

func (s *Server) handleListByEmail(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListActiveByRecipient(r.Context(), r.PathValue("email"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(subs))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.store.Delete(r.Context(), id)
	s.writeDeleteResult(w, ok, err)
	if ok {
		s.logger.Info("Subscription deleted", "id", id)
	}
}

func (s *Server) handleDeleteByEmailAndChannel(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	channelURL := r.URL.Query().Get("channel_url")
	if channelURL == "" {
		s.writeError(w, http.StatusBadRequest, "channel_url is required")
		return
	}

	ok, err := s.store.DeleteByRecipientAndChannel(r.Context(), email, channelURL)
	s.writeDeleteResult(w, ok, err)
	if ok {
		s.logger.Info("Subscription deleted", "email", email, "channel", channelURL)
	}
}

func (s *Server) writeDeleteResult(w http.ResponseWriter, ok bool, err error) {
	switch {
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		s.writeError(w, http.StatusNotFound, "Subscription not found")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"message": "Subscription deleted successfully"})
	}
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.store.ListUniqueRecipients(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if emails == nil {
		emails = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"emails": emails})
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil(subs []*notifier.Subscription) []*notifier.Subscription {
	if subs == nil {
		return []*notifier.Subscription{}
	}
	return subs
}
