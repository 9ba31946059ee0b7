package viewer

import (
	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/reactions"
)

// ViewState is an immutable snapshot of everything the viewer would render.
type ViewState struct {
	Version uint64 `json:"version"`

	SessionID   domain.SessionID     `json:"session_id"`
	Status      domain.SessionStatus `json:"status"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	Host        domain.Host          `json:"host"`
	Viewers     int                  `json:"viewers"`

	Connection       core.ConnectionState `json:"connection"`
	Waiting          bool                 `json:"waiting"`
	Error            string               `json:"error,omitempty"`
	CanRetry         bool                 `json:"can_retry"`
	Ended            bool                 `json:"ended"`
	EndedNotice      string               `json:"ended_notice,omitempty"`
	NeedsInteraction bool                 `json:"needs_interaction"`
	EventsConnected  bool                 `json:"events_connected"`
	Notice           string               `json:"notice,omitempty"`

	Reactions []reactions.Floating      `json:"reactions"`
	Counts    domain.ReactionCounts     `json:"counts"`
	Products  []domain.LiveProductEntry `json:"products"`
	Pinned    *domain.LiveProductEntry  `json:"pinned,omitempty"`
	Comments  []domain.Comment          `json:"comments"`
}

const endedNotice = "This stream has ended"

// State builds a fresh snapshot. The returned value shares nothing with the
// viewer.
func (v *Viewer) State() ViewState {
	ms := v.media.Snapshot()
	active := v.engine.Active()
	counts := v.engine.Counts()
	list := v.products.Snapshot()

	v.mu.Lock()
	defer v.mu.Unlock()

	st := ViewState{
		Version:          v.version,
		SessionID:        v.opts.SessionID,
		Status:           v.session.Status,
		Title:            v.session.Title,
		Description:      v.session.Description,
		Host:             v.session.Host,
		Viewers:          v.viewers,
		Connection:       ms.State,
		NeedsInteraction: ms.NeedsInteraction,
		EventsConnected:  v.eventsUp,
		Reactions:        active,
		Counts:           counts,
		Products:         list,
		Comments:         append([]domain.Comment(nil), v.comments...),
	}
	if len(list) > 0 && list[0].IsPinned {
		p := list[0]
		st.Pinned = &p
	}

	st.Ended = ms.Ended || v.session.Status == domain.StatusEnded
	if st.Ended {
		st.EndedNotice = endedNotice
		if ms.EndReason != "" {
			st.EndedNotice += ": " + ms.EndReason
		}
		st.NeedsInteraction = false
		return v.withNotice(st)
	}

	switch {
	case v.fatal != nil:
		st.Error = v.fatal.Error()
	case ms.State == core.StateError && ms.LastError != v.dismissed:
		st.Error = ms.LastError
		st.CanRetry = true
	}
	st.Waiting = ms.State == core.StateConnecting || ms.Reconnecting || (!v.loaded && v.fatal == nil)
	return v.withNotice(st)
}

func (v *Viewer) withNotice(st ViewState) ViewState {
	if v.notice != "" && v.opts.Now().Sub(v.noticeAt) < noticeTTL {
		st.Notice = v.notice
	}
	return st
}
