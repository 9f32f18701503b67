package squeezer

import (
	"errors"
	"strings"
)

// ErrUnknownCommand is returned when a response line cannot be matched to
// any command in the catalog. The parse of that line is aborted.
var ErrUnknownCommand = errors.New("squeezer: unknown command")

// ParserInfo describes how to extract one logical list from a response:
// which tag carries the list total, which tag delimits items, and which
// result kind the finalized records produce. A single command may carry
// several ParserInfos, e.g. a global search returns genres, albums,
// artists and tracks together.
type ParserInfo struct {
	// CountKey is the tag holding the total number of results, normally
	// "count".
	CountKey string

	// SplitKey is the item delimiter: the tag whose appearance starts a
	// new record, as defined per extended query format command in the
	// squeezeserver CLI documentation.
	SplitKey string

	// LoopKey is the array field carrying this list in the comet wire
	// format, where items arrive as ready-made field mappings instead of
	// a token stream.
	LoopKey string

	// Kind is passed to the ItemFactory for every record of this list.
	Kind Kind
}

// Command is the immutable descriptor for one extended query format
// command. Descriptors are defined once per command kind and never
// mutated.
type Command struct {
	// Name is the command word, possibly multi-word ("playlists tracks").
	Name string

	// PlayerSpecific commands are prefixed with an encoded player id.
	PlayerSpecific bool

	// Prefixed commands carry a sub-command prefix between the player id
	// and the command word.
	Prefixed bool

	// Tagged is the set of recognized tagged-parameter names. These are
	// sticky: they must be echoed verbatim on follow-up page requests.
	Tagged map[string]struct{}

	// Parsers lists the logical result lists a response may carry.
	Parsers []ParserInfo
}

// Sticky reports whether key is in the command's sticky-parameter
// whitelist.
func (c *Command) Sticky(key string) bool {
	_, ok := c.Tagged[key]
	return ok
}

// offset is the number of positional prefix fields preceding the start
// offset in a response line: the command words, plus the player id for
// player-specific commands, plus the sub-command prefix for prefixed
// commands.
func (c *Command) offset() int {
	n := len(strings.Fields(c.Name))
	if c.PlayerSpecific {
		n++
	}
	if c.Prefixed {
		n++
	}
	return n
}

// start is the token index at which the command words begin in a
// response line.
func (c *Command) start() int {
	n := 0
	if c.PlayerSpecific {
		n++
	}
	if c.Prefixed {
		n++
	}
	return n
}

// Catalog is the static registry mapping a command name to its
// descriptor. Build one with NewCatalog or DefaultCatalog at process
// start; lookups are read-only and safe for concurrent use.
type Catalog struct {
	cmds map[string]*Command
}

// NewCatalog builds a catalog from the given command descriptors.
func NewCatalog(cmds ...*Command) *Catalog {
	m := make(map[string]*Command, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
	}
	return &Catalog{cmds: m}
}

// Lookup returns the descriptor registered under name, or
// ErrUnknownCommand.
func (c *Catalog) Lookup(name string) (*Command, error) {
	cmd, ok := c.cmds[name]
	if !ok {
		return nil, ErrUnknownCommand
	}
	return cmd, nil
}

// Resolve matches a tokenized response line to its command descriptor.
// The command words may be preceded by an encoded player id and a
// sub-command prefix, so candidate names are tried at the first three
// token positions, longest name first, and a match only counts when the
// descriptor's flags put its command words at that position.
func (c *Catalog) Resolve(tokens []string) (*Command, error) {
	for idx := 0; idx <= 2 && idx < len(tokens); idx++ {
		for words := 2; words >= 1; words-- {
			if idx+words > len(tokens) {
				continue
			}
			name := strings.Join(tokens[idx:idx+words], " ")
			cmd, ok := c.cmds[name]
			if !ok {
				continue
			}
			if cmd.start() == idx {
				return cmd, nil
			}
		}
	}
	return nil, ErrUnknownCommand
}

func tagSet(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// DefaultCatalog returns the extended query format command table of the
// squeezeserver CLI.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		&Command{
			Name:    "players",
			Tagged:  tagSet("playerprefs", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "playerid", LoopKey: "players_loop", Kind: KindPlayer}},
		},
		&Command{
			Name:    "artists",
			Tagged:  tagSet("search", "genre_id", "album_id", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "artists_loop", Kind: KindArtist}},
		},
		&Command{
			Name:    "albums",
			Tagged:  tagSet("search", "genre_id", "artist_id", "track_id", "year", "compilation", "sort", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "albums_loop", Kind: KindAlbum}},
		},
		&Command{
			Name:    "years",
			Tagged:  tagSet("charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "year", LoopKey: "years_loop", Kind: KindYear}},
		},
		&Command{
			Name:    "genres",
			Tagged:  tagSet("search", "artist_id", "album_id", "track_id", "year", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "genres_loop", Kind: KindGenre}},
		},
		&Command{
			Name:    "musicfolder",
			Tagged:  tagSet("folder_id", "url", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "folder_loop", Kind: KindMusicFolder}},
		},
		&Command{
			Name:    "songs",
			Tagged:  tagSet("genre_id", "artist_id", "album_id", "year", "search", "tags", "sort", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "titles_loop", Kind: KindSong}},
		},
		&Command{
			Name:    "playlists",
			Tagged:  tagSet("search", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "playlists_loop", Kind: KindPlaylist}},
		},
		&Command{
			Name:    "playlists tracks",
			Tagged:  tagSet("playlist_id", "tags", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "playlist index", LoopKey: "playlisttracks_loop", Kind: KindSong}},
		},
		&Command{
			Name:   "search",
			Tagged: tagSet("term", "charset"),
			Parsers: []ParserInfo{
				{CountKey: "genres_count", SplitKey: "genre_id", LoopKey: "genres_loop", Kind: KindGenre},
				{CountKey: "albums_count", SplitKey: "album_id", LoopKey: "albums_loop", Kind: KindAlbum},
				{CountKey: "contributors_count", SplitKey: "contributor_id", LoopKey: "contributors_loop", Kind: KindArtist},
				{CountKey: "tracks_count", SplitKey: "track_id", LoopKey: "tracks_loop", Kind: KindSong},
			},
		},
		&Command{
			Name:           "status",
			PlayerSpecific: true,
			Tagged:         tagSet("tags", "charset", "subscribe"),
			Parsers:        []ParserInfo{{CountKey: "playlist_tracks", SplitKey: "playlist index", LoopKey: "playlist_loop", Kind: KindSong}},
		},
		&Command{
			Name:    "radios",
			Tagged:  tagSet("sort", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "icon", LoopKey: "radios_loop", Kind: KindPlugin}},
		},
		&Command{
			Name:    "apps",
			Tagged:  tagSet("sort", "charset"),
			Parsers: []ParserInfo{{CountKey: "count", SplitKey: "icon", LoopKey: "apps_loop", Kind: KindPlugin}},
		},
		&Command{
			Name:           "items",
			PlayerSpecific: true,
			Prefixed:       true,
			Tagged:         tagSet("item_id", "search", "want_url", "charset"),
			Parsers:        []ParserInfo{{CountKey: "count", SplitKey: "id", LoopKey: "loop_loop", Kind: KindPluginItem}},
		},
	)
}
