package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexjbarnes/convsync/internal/auth"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/alexjbarnes/convsync/internal/store"
)

const (
	// maxRequestBody caps REST request bodies.
	maxRequestBody = 64 * 1024

	// maxContentLen caps message content in bytes.
	maxContentLen = 16 * 1024

	membershipJoined = "joined"
	membershipLeft   = "left"
)

// errInvalidMessage marks a post rejected for its content rather than a
// storage failure.
var errInvalidMessage = errors.New("invalid message")

// conversations stores messages and publishes them to the push
// connections of every participant. REST and push sends both go through
// post, so either transport sees the other's messages.
type conversations struct {
	store  *store.Store
	hub    *Hub
	logger *slog.Logger
}

// post stores out in ref on behalf of sender and publishes it. Posting to
// a channel joins the sender first. A repeated client id returns the
// stored original without publishing it again.
func (cv *conversations) post(sender int64, ref messaging.ConversationRef, out messaging.Outgoing) (messaging.Message, error) {
	if strings.TrimSpace(out.Content) == "" && len(out.Attachments) == 0 {
		return messaging.Message{}, fmt.Errorf("%w: empty message", errInvalidMessage)
	}

	if len(out.Content) > maxContentLen {
		return messaging.Message{}, fmt.Errorf("%w: content exceeds %d bytes", errInvalidMessage, maxContentLen)
	}

	msg := messaging.Message{
		SenderID:    sender,
		Content:     out.Content,
		Attachments: out.Attachments,
		ClientID:    out.ClientID,
	}

	var (
		key        store.Key
		recipients []int64
	)

	switch ref.Kind {
	case messaging.KindChannel:
		if _, err := cv.join(ref.ID, sender); err != nil {
			return messaging.Message{}, err
		}

		members, err := cv.store.Members(ref.ID)
		if err != nil {
			return messaging.Message{}, err
		}

		msg.ChannelID = ref.ID
		key = store.ChannelKey(ref.ID)
		recipients = members

	case messaging.KindDirect:
		if ref.ID == sender {
			return messaging.Message{}, fmt.Errorf("%w: cannot message yourself", errInvalidMessage)
		}

		msg.RecipientID = ref.ID
		key = store.DirectKey(sender, ref.ID)
		recipients = []int64{sender, ref.ID}

	default:
		return messaging.Message{}, fmt.Errorf("%w: unknown conversation kind %q", errInvalidMessage, ref.Kind)
	}

	stored, created, err := cv.store.Append(key, msg)
	if err != nil {
		return messaging.Message{}, err
	}

	if !created {
		cv.logger.Debug("duplicate client id, returning stored message",
			slog.String("conversation", ref.String()),
			slog.Int64("id", stored.ID),
		)

		return stored, nil
	}

	frame, err := encodeFrame(messaging.FrameMessage, stored)
	if err != nil {
		return messaging.Message{}, err
	}

	cv.hub.Publish(recipients, frame)

	return stored, nil
}

// history returns the messages of ref as seen by self, starting above
// after when it is set.
func (cv *conversations) history(self int64, ref messaging.ConversationRef, after int64) ([]messaging.Message, error) {
	key := store.ChannelKey(ref.ID)
	if ref.Kind == messaging.KindDirect {
		key = store.DirectKey(self, ref.ID)
	}

	return cv.store.History(key, after, 0)
}

// join adds userID to the channel and announces it when it is new.
func (cv *conversations) join(channelID, userID int64) (bool, error) {
	added, err := cv.store.Join(channelID, userID)
	if err != nil || !added {
		return added, err
	}

	members, err := cv.store.Members(channelID)
	if err != nil {
		return true, err
	}

	cv.publishMembership(members, messaging.MembershipChange{ChannelID: channelID, UserID: userID, Action: membershipJoined})

	return true, nil
}

// leave removes userID from the channel. The leaver is told too.
func (cv *conversations) leave(channelID, userID int64) (bool, error) {
	removed, err := cv.store.Leave(channelID, userID)
	if err != nil || !removed {
		return removed, err
	}

	members, err := cv.store.Members(channelID)
	if err != nil {
		return true, err
	}

	cv.publishMembership(append(members, userID), messaging.MembershipChange{ChannelID: channelID, UserID: userID, Action: membershipLeft})

	return true, nil
}

func (cv *conversations) publishMembership(recipients []int64, change messaging.MembershipChange) {
	frame, err := encodeFrame(messaging.FrameMembershipChanged, change)
	if err != nil {
		cv.logger.Error("encoding membership frame", slog.String("error", err.Error()))
		return
	}

	cv.hub.Publish(recipients, frame)
}

// --- REST handlers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client gone
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// pathRef builds the conversation named by the request path.
func pathRef(r *http.Request, kind messaging.ConversationKind, param string) (messaging.ConversationRef, error) {
	id, err := strconv.ParseInt(r.PathValue(param), 10, 64)
	if err != nil || id <= 0 {
		return messaging.ConversationRef{}, fmt.Errorf("invalid %s id", kind)
	}

	return messaging.ConversationRef{Kind: kind, ID: id}, nil
}

func (cv *conversations) handleHistory(kind messaging.ConversationKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := pathRef(r, kind, param)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			after, err = strconv.ParseInt(v, 10, 64)
			if err != nil || after < 0 {
				writeError(w, http.StatusBadRequest, "invalid after cursor")
				return
			}
		}

		msgs, err := cv.history(auth.RequestUserID(r.Context()), ref, after)
		if err != nil {
			cv.logger.Error("reading history", slog.String("conversation", ref.String()), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "reading history failed")

			return
		}

		if msgs == nil {
			msgs = []messaging.Message{}
		}

		writeJSON(w, http.StatusOK, msgs)
	}
}

func (cv *conversations) handlePost(kind messaging.ConversationKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := pathRef(r, kind, param)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var out messaging.Outgoing
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&out); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sender := auth.RequestUserID(r.Context())

		msg, err := cv.post(sender, ref, out)
		if errors.Is(err, errInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err != nil {
			cv.logger.Error("storing message",
				slog.String("conversation", ref.String()),
				slog.Int64("sender", sender),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "storing message failed")

			return
		}

		writeJSON(w, http.StatusCreated, msg)
	}
}

func (cv *conversations) handleMembership(joining bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := pathRef(r, messaging.KindChannel, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		userID := auth.RequestUserID(r.Context())

		if joining {
			_, err = cv.join(ref.ID, userID)
		} else {
			_, err = cv.leave(ref.ID, userID)
		}

		if err != nil {
			cv.logger.Error("updating membership", slog.String("conversation", ref.String()), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "updating membership failed")

			return
		}

		members, err := cv.store.Members(ref.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing members failed")
			return
		}

		if members == nil {
			members = []int64{}
		}

		writeJSON(w, http.StatusOK, map[string][]int64{"members": members})
	}
}
