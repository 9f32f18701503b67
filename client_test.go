package squeezer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	squeezer "github.com/gumil/android-squeezer"
)

// fakeTransport is an in-memory Transport: lines sent by the client are
// exposed one by one on out, and lines pushed to in are delivered to the
// client's listen loop.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]string

	out chan string
	in  chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		out: make(chan string, 64),
		in:  make(chan string, 64),
	}
}

func (f *fakeTransport) Send(ctx context.Context, lines ...string) error {
	f.mu.Lock()
	f.batches = append(f.batches, lines)
	f.mu.Unlock()
	for _, l := range lines {
		f.out <- l
	}
	return nil
}

func (f *fakeTransport) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for l := range f.in {
			if !yield(l) {
				return
			}
		}
	}
}

func (f *fakeTransport) nextSent(t *testing.T) string {
	t.Helper()
	select {
	case line := <-f.out:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a sent line")
		return ""
	}
}

func (f *fakeTransport) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case line := <-f.out:
		t.Fatalf("unexpected request sent: %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

type page struct {
	count int
	start int
	items []squeezer.Item
	kind  squeezer.Kind
}

func collectPages() (squeezer.ItemsFunc, chan page) {
	ch := make(chan page, 16)
	fn := func(count, start int, params map[string]string, items []squeezer.Item, kind squeezer.Kind) {
		ch <- page{count: count, start: start, items: items, kind: kind}
	}
	return fn, ch
}

func awaitPage(t *testing.T, ch chan page) page {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an items callback")
		return page{}
	}
}

func expectNoPage(t *testing.T, ch chan page) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected items callback: start=%d count=%d", p.start, p.count)
	case <-time.After(50 * time.Millisecond):
	}
}

func startClient(t *testing.T, opts ...squeezer.ClientOption) (*squeezer.Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	factory := squeezer.ItemFactoryFunc(func(kind squeezer.Kind, record squeezer.Record) (squeezer.Item, error) {
		return record, nil
	})
	opts = append(opts, squeezer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	c := squeezer.NewClient(tr, factory, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Listen(ctx)
	t.Cleanup(func() {
		cancel()
		close(tr.in)
	})
	return c, tr
}

// albumTokens builds the record tokens for albums from (inclusive) to to
// (exclusive). The leading space makes it appendable to a response line.
func albumTokens(from, to int) string {
	var sb strings.Builder
	for n := from; n < to; n++ {
		fmt.Fprintf(&sb, " id%%3A%d album%%3AAlbum+%d", n, n)
	}
	return sb.String()
}

func TestClientPaginatedQuery(t *testing.T) {
	c, tr := startClient(t)
	fn, pages := collectPages()

	if err := c.RequestItems("albums", 0, nil, fn, t); err != nil {
		t.Fatal(err)
	}

	// A fresh query probes with a single item to learn the total.
	if got, want := tr.nextSent(t), "albums 0 1 correlationid%3A1"; got != want {
		t.Fatalf("first request = %q, want %q", got, want)
	}
	tr.in <- "albums 0 1 count%3A47 correlationid%3A1" + albumTokens(1, 2)

	p := awaitPage(t, pages)
	if p.count != 47 || p.start != 0 || len(p.items) != 1 {
		t.Fatalf("first page: count=%d start=%d items=%d, want 47/0/1", p.count, p.start, len(p.items))
	}
	if p.kind != squeezer.KindAlbum {
		t.Errorf("first page kind = %q, want %q", p.kind, squeezer.KindAlbum)
	}

	// The remainder fits in one window, trimmed to the total.
	if got, want := tr.nextSent(t), "albums 1 46 correlationid%3A1"; got != want {
		t.Fatalf("follow-up request = %q, want %q", got, want)
	}
	tr.in <- "albums 1 46 count%3A47 correlationid%3A1" + albumTokens(2, 48)

	p = awaitPage(t, pages)
	if p.count != 47 || p.start != 1 || len(p.items) != 46 {
		t.Fatalf("second page: count=%d start=%d items=%d, want 47/1/46", p.count, p.start, len(p.items))
	}
	tr.expectSilence(t)

	// The correlation id is retired; a duplicate response is dropped.
	tr.in <- "albums 1 46 count%3A47 correlationid%3A1" + albumTokens(2, 48)
	expectNoPage(t, pages)
}

func TestClientDeliversEveryItemExactlyOnce(t *testing.T) {
	const total = 23
	const pageSize = 10

	c, tr := startClient(t, squeezer.WithPageSize(pageSize))
	fn, pages := collectPages()

	if err := c.RequestItems("albums", 0, nil, fn, t); err != nil {
		t.Fatal(err)
	}

	wantRequests := []struct {
		start, count int
	}{
		{0, 1}, {1, 10}, {11, 10}, {21, 2},
	}

	var got []string
	for _, w := range wantRequests {
		line := tr.nextSent(t)
		want := fmt.Sprintf("albums %d %d correlationid%%3A1", w.start, w.count)
		if line != want {
			t.Fatalf("request = %q, want %q", line, want)
		}
		tr.in <- fmt.Sprintf("albums %d %d count%%3A%d correlationid%%3A1%s",
			w.start, w.count, total, albumTokens(w.start, w.start+w.count))

		p := awaitPage(t, pages)
		if p.count != total || p.start != w.start || len(p.items) != w.count {
			t.Fatalf("page: count=%d start=%d items=%d, want %d/%d/%d",
				p.count, p.start, len(p.items), total, w.start, w.count)
		}
		for _, item := range p.items {
			got = append(got, item.(squeezer.Record)["id"])
		}
	}
	tr.expectSilence(t)

	if len(got) != total {
		t.Fatalf("received %d items, want %d", len(got), total)
	}
	for n, id := range got {
		if want := fmt.Sprintf("%d", n); id != want {
			t.Errorf("item %d has id %q", n, id)
		}
	}
}

func TestClientRepeatedQueriesAreIdempotent(t *testing.T) {
	const total = 5
	c, tr := startClient(t)

	// runQuery serves a fixed five-item list and returns the delivered ids.
	runQuery := func() []string {
		fn, pages := collectPages()
		if err := c.RequestItems("albums", 0, nil, fn, t); err != nil {
			t.Fatal(err)
		}
		var ids []string
		for len(ids) < total {
			line := tr.nextSent(t)
			fields := strings.Fields(line)
			start, count := fields[1], fields[2]
			corr := fields[len(fields)-1]
			var s, n int
			fmt.Sscanf(start, "%d", &s)
			fmt.Sscanf(count, "%d", &n)
			tr.in <- fmt.Sprintf("albums %d %d count%%3A%d %s%s", s, n, total, corr, albumTokens(s, s+n))
			p := awaitPage(t, pages)
			for _, item := range p.items {
				ids = append(ids, item.(squeezer.Record)["id"])
			}
		}
		return ids
	}

	first := runQuery()
	second := runQuery()
	if len(first) != total || len(second) != total {
		t.Fatalf("deliveries = %d and %d items, want %d", len(first), len(second), total)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sequences diverge at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestClientStickyParametersFollowPages(t *testing.T) {
	c, tr := startClient(t)
	fn, pages := collectPages()

	if err := c.RequestItems("albums", 0, []string{"search:miles davis"}, fn, t); err != nil {
		t.Fatal(err)
	}
	if got, want := tr.nextSent(t), "albums 0 1 search%3Amiles+davis correlationid%3A1"; got != want {
		t.Fatalf("request = %q, want %q", got, want)
	}
	tr.in <- "albums 0 1 count%3A5 search%3Amiles+davis correlationid%3A1" + albumTokens(0, 1)
	awaitPage(t, pages)

	// The whitelisted tag is echoed verbatim on the next page.
	if got, want := tr.nextSent(t), "albums 1 4 correlationid%3A1 search%3Amiles+davis"; got != want {
		t.Fatalf("follow-up = %q, want %q", got, want)
	}
}

func TestClientFullListRequest(t *testing.T) {
	c, tr := startClient(t)
	fn, pages := collectPages()

	if err := c.RequestItems("albums", -1, nil, fn, t); err != nil {
		t.Fatal(err)
	}
	if got, want := tr.nextSent(t), "albums 0 1 full_list%3A1 correlationid%3A1"; got != want {
		t.Fatalf("request = %q, want %q", got, want)
	}
	tr.in <- "albums 0 1 count%3A1 correlationid%3A1" + albumTokens(0, 1)
	p := awaitPage(t, pages)
	if p.count != 1 || len(p.items) != 1 {
		t.Fatalf("page: count=%d items=%d, want 1/1", p.count, len(p.items))
	}
	tr.expectSilence(t)
}

func TestClientPlayerQuery(t *testing.T) {
	c, tr := startClient(t)
	fn, pages := collectPages()

	const player = "00:04:20:ab:cd:ef"
	if err := c.RequestPlayerItems(player, "status", 0, nil, fn, t); err != nil {
		t.Fatal(err)
	}
	encoded := squeezer.Encode(player)
	if got, want := tr.nextSent(t), encoded+" status 0 1 correlationid%3A1"; got != want {
		t.Fatalf("request = %q, want %q", got, want)
	}

	tr.in <- encoded + " status 0 1 playlist_tracks%3A1 correlationid%3A1 playlist+index%3A0 title%3ASo+What"
	p := awaitPage(t, pages)
	if p.count != 1 || len(p.items) != 1 || p.kind != squeezer.KindSong {
		t.Fatalf("page: count=%d items=%d kind=%q", p.count, len(p.items), p.kind)
	}
	if title := p.items[0].(squeezer.Record)["title"]; title != "So What" {
		t.Errorf("title = %q", title)
	}

	if err := c.RequestPlayerItems("", "status", 0, nil, fn, t); err == nil {
		t.Error("expected an error for an empty player id")
	}
}

func TestClientUnknownCommandRequest(t *testing.T) {
	c, _ := startClient(t)
	fn, _ := collectPages()

	err := c.RequestItems("serverstatus", 0, nil, fn, t)
	if !errors.Is(err, squeezer.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestClientDropsLateResponse(t *testing.T) {
	_, tr := startClient(t)

	// No pending request matches this correlation id.
	tr.in <- "albums 0 1 count%3A1 correlationid%3A99" + albumTokens(0, 1)
	tr.expectSilence(t)
}

func TestClientCancelRequests(t *testing.T) {
	c, tr := startClient(t)
	fnA, pagesA := collectPages()
	fnB, pagesB := collectPages()
	ownerA, ownerB := new(int), new(int)

	if err := c.RequestItems("albums", 0, nil, fnA, ownerA); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestItems("artists", 0, nil, fnB, ownerB); err != nil {
		t.Fatal(err)
	}
	tr.nextSent(t)
	tr.nextSent(t)

	c.CancelRequests(ownerA)

	tr.in <- "albums 0 1 count%3A1 correlationid%3A1" + albumTokens(0, 1)
	tr.in <- "artists 0 1 count%3A1 correlationid%3A2 id%3A7 artist%3AMiles+Davis"

	p := awaitPage(t, pagesB)
	if p.kind != squeezer.KindArtist {
		t.Fatalf("kind = %q, want %q", p.kind, squeezer.KindArtist)
	}
	expectNoPage(t, pagesA)
}

func TestClientNotificationLines(t *testing.T) {
	notified := make(chan string, 4)
	c, tr := startClient(t, squeezer.WithNotificationFunc(func(line string) {
		notified <- line
	}))

	if err := c.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The handshake goes out as one atomic batch, version query last.
	tr.mu.Lock()
	batch := tr.batches[len(tr.batches)-1]
	tr.mu.Unlock()
	if len(batch) != 9 || batch[0] != "listen 1" || batch[len(batch)-1] != "version ?" {
		t.Fatalf("handshake batch = %v", batch)
	}

	tr.in <- "version 7.9.2"
	select {
	case line := <-notified:
		if line != "version 7.9.2" {
			t.Fatalf("notified line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestClientSendPlayerCommand(t *testing.T) {
	c, tr := startClient(t)

	c.SendPlayerCommand("00:04:20:ab:cd:ef", "pause")
	if got, want := tr.nextSent(t), "00%3A04%3A20%3Aab%3Acd%3Aef pause"; got != want {
		t.Fatalf("sent %q, want %q", got, want)
	}
}

func TestClientMalformedResponseIsAbandoned(t *testing.T) {
	c, tr := startClient(t)
	fn, pages := collectPages()

	if err := c.RequestItems("albums", 0, nil, fn, t); err != nil {
		t.Fatal(err)
	}
	tr.nextSent(t)

	// A token without the separator aborts the whole line; the pending
	// request stays registered.
	tr.in <- "albums 0 1 count%3A1 correlationid%3A1 rawgarbage"
	expectNoPage(t, pages)

	tr.in <- "albums 0 1 count%3A1 correlationid%3A1" + albumTokens(0, 1)
	p := awaitPage(t, pages)
	if p.count != 1 {
		t.Fatalf("count = %d, want 1", p.count)
	}
}
