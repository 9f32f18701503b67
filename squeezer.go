package squeezer

import (
	"context"
	"iter"
)

// Kind identifies the result type of one logical list within a response.
type Kind string

// Result kinds produced by the default command catalog.
const (
	KindPlayer      Kind = "player"
	KindArtist      Kind = "artist"
	KindAlbum       Kind = "album"
	KindYear        Kind = "year"
	KindGenre       Kind = "genre"
	KindMusicFolder Kind = "musicfolder"
	KindSong        Kind = "song"
	KindPlaylist    Kind = "playlist"
	KindPlugin      Kind = "plugin"
	KindPluginItem  Kind = "pluginitem"
)

// Record is the generic field mapping accumulated for one result item,
// built between two item-delimiter tokens of a response line. Keys and
// values are fully decoded.
type Record map[string]string

// Item is a typed domain object produced by an ItemFactory. The engine
// treats items as opaque and delivers them in server order.
type Item any

// ItemFactory turns a finalized Record into a typed domain object.
// Implementations are provided by the caller; the engine never constructs
// domain objects itself.
type ItemFactory interface {
	Build(kind Kind, record Record) (Item, error)
}

// ItemFactoryFunc adapts a function to the ItemFactory interface.
type ItemFactoryFunc func(kind Kind, record Record) (Item, error)

// Build calls f.
func (f ItemFactoryFunc) Build(kind Kind, record Record) (Item, error) {
	return f(kind, record)
}

// ItemsFunc receives one page of a logical list query. count is the
// server-reported total for the list, adjusted for interleaved control
// entries; start is the window offset of this page; params carries the
// informational tagged parameters of the response; items holds the typed
// objects of this page in server order.
type ItemsFunc func(count, start int, params map[string]string, items []Item, kind Kind)

// Transport moves newline-terminated command lines between the engine and
// the server. Implementations must deliver received lines one at a time in
// receipt order, and must write multi-line batches as a single write so
// wire ordering is preserved.
type Transport interface {
	// Send writes the given command lines, newline-terminated, as one write.
	Send(ctx context.Context, lines ...string) error

	// Lines returns an iterator that yields received lines, without the
	// trailing newline, in receipt order. The iterator exits when the
	// underlying connection is closed.
	Lines() iter.Seq[string]
}

// ConnectionObserver is notified of transport-level failures. Connection
// state orchestration lives outside the engine; this is the boundary to it.
type ConnectionObserver interface {
	OnTransportError(err error)
}
