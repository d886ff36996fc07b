package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

var _ core.Directory = (*Remote)(nil)

// Remote is the directory as seen from a client process: writes go to
// the relay's HTTP API, and change events arrive as session-update
// broadcasts on the chat's signaling channel.
type Remote struct {
	base string
	http *http.Client
	sig  core.Signaler
}

func NewRemote(baseURL string, sig core.Signaler) *Remote {
	return &Remote{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
		sig:  sig,
	}
}

func (r *Remote) Announce(ctx context.Context, sess *domain.Session) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return core.ErrSessionActive
	}
	return fmt.Errorf("announce: unexpected status %d", resp.StatusCode)
}

func (r *Remote) UpdateState(ctx context.Context, id domain.SessionID, state domain.LifecycleState) error {
	body, err := json.Marshal(map[string]domain.LifecycleState{"state": state})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/api/sessions/%s", r.base, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return core.ErrSessionNotFound
	case http.StatusConflict:
		return domain.ErrBadTransition
	}
	return fmt.Errorf("update state: unexpected status %d", resp.StatusCode)
}

func (r *Remote) Active(ctx context.Context, chatID domain.ChatID) (*domain.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/sessions/active?chat_id=%s", r.base, chatID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var sess domain.Session
		if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
			return nil, err
		}
		return &sess, nil
	}
	return nil, fmt.Errorf("active: unexpected status %d", resp.StatusCode)
}

// Subscribe relays session-update broadcasts for the chat. Negotiation
// traffic on the same channel is filtered out here.
func (r *Remote) Subscribe(chatID domain.ChatID) (<-chan *domain.Session, func()) {
	envCh, cancelSub := r.sig.Subscribe(core.ChatChannel(chatID))
	out := make(chan *domain.Session, 16)

	go func() {
		defer close(out)
		for env := range envCh {
			msg, err := env.Decode()
			if err != nil {
				log.Warn().Err(err).Str("module", "directory").Msg("bad envelope on chat channel")
				continue
			}
			if msg.Type != core.SignalSessionUpdate || msg.Session == nil {
				continue
			}
			select {
			case out <- msg.Session:
			default:
			}
		}
	}()

	return out, cancelSub
}
