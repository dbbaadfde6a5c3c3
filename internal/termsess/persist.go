package termsess

import (
	"time"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/store"
)

// scrollbackSnapshot is the persisted shape of a session's scrollback tail.
type scrollbackSnapshot struct {
	Lines   []string  `msgpack:"lines"`
	SavedAt time.Time `msgpack:"saved_at"`
}

// PersistScrollback flushes the session's scrollback tail (up to lines; 0
// means everything retained) into the store under the session id.
func (r *Registry) PersistScrollback(st *store.Store, id string, lines int) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	snap := scrollbackSnapshot{
		Lines:   s.Scrollback().Tail(lines),
		SavedAt: time.Now(),
	}
	return st.Save(store.BucketScrollback, id, snap)
}

// RestoreScrollback preloads a session's scrollback from a persisted
// snapshot, if one exists. A missing snapshot is not an error.
func (r *Registry) RestoreScrollback(st *store.Store, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return cerr.New(cerr.NotFound, "no session %s", id)
	}
	var snap scrollbackSnapshot
	if err := st.Load(store.BucketScrollback, id, &snap); err != nil {
		if cerr.Is(err, cerr.NotFound) {
			return nil
		}
		return err
	}
	s.Scrollback().preload(snap.Lines)
	return nil
}
