package match

import "github.com/studymate/signaling/internal/metrics"

// Expired lists the clients whose pending state was dropped by a sweep.
type Expired struct {
	// Waiting are clients whose waiting-pool entries timed out.
	Waiting []ClientID
	// RoomCreators are clients whose never-joined rooms timed out.
	RoomCreators []ClientID
}

// ExpireStale drops waiting entries older than WaitingTTL and pending
// rooms older than RoomTTL. A disabled TTL (zero) skips that sweep. The
// affected clients stay registered and return to idle; the caller decides
// whether and how to tell them.
//
// Without the sweep, a client that vanishes without a transport-level
// close leaves a phantom waiting entry forever.
func (mm *Matchmaker) ExpireStale() Expired {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := mm.clock.Now()
	var out Expired

	if mm.cfg.WaitingTTL > 0 {
		for id, entry := range mm.waiting {
			if now.Sub(entry.since) < mm.cfg.WaitingTTL {
				continue
			}
			delete(mm.waiting, id)
			if info, ok := mm.clients[id]; ok && info.state == StateWaiting {
				info.state = StateIdle
			}
			mm.metrics.Inc(metrics.WaitingExpired)
			out.Waiting = append(out.Waiting, id)
		}
	}

	if mm.cfg.RoomTTL > 0 {
		for roomID, r := range mm.rooms {
			if r.full() || now.Sub(r.created) < mm.cfg.RoomTTL {
				continue
			}
			delete(mm.rooms, roomID)
			if info, ok := mm.clients[r.creator]; ok && info.roomID == roomID {
				info.roomID = ""
				if info.state == StateWaiting {
					info.state = StateIdle
				}
			}
			mm.metrics.Inc(metrics.RoomsExpired)
			out.RoomCreators = append(out.RoomCreators, r.creator)
		}
	}

	return out
}
