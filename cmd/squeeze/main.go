package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	squeezer "github.com/gumil/android-squeezer"
)

func main() {
	app := &cli.App{
		Name:  "squeeze",
		Usage: "Query a squeezeserver over its command line interface.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "server address (host:port)",
				Value:   "localhost:9090",
				EnvVars: []string{"SQUEEZE_ADDR"},
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "items fetched per request",
				Value: 50,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "give up after this long",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "players",
				Usage: "List the connected players",
				Action: func(c *cli.Context) error {
					return query(c, "players", nil, "name", "playerid")
				},
			},
			{
				Name:      "albums",
				Usage:     "List albums, optionally filtered",
				ArgsUsage: "[search term]",
				Action: func(c *cli.Context) error {
					var params []string
					if term := strings.Join(c.Args().Slice(), " "); term != "" {
						params = append(params, "search:"+term)
					}
					return query(c, "albums", params, "album", "id")
				},
			},
			{
				Name:      "artists",
				Usage:     "List artists, optionally filtered",
				ArgsUsage: "[search term]",
				Action: func(c *cli.Context) error {
					var params []string
					if term := strings.Join(c.Args().Slice(), " "); term != "" {
						params = append(params, "search:"+term)
					}
					return query(c, "artists", params, "artist", "id")
				},
			},
			{
				Name:      "search",
				Usage:     "Search genres, albums, artists and tracks at once",
				ArgsUsage: "<term>",
				Action: func(c *cli.Context) error {
					term := strings.Join(c.Args().Slice(), " ")
					if term == "" {
						return cli.Exit("search needs a term", 1)
					}
					return query(c, "search", []string{"term:" + term}, "", "")
				},
			},
			{
				Name:      "raw",
				Usage:     "Send a raw command line and print every reply line",
				ArgsUsage: "<command...>",
				Action:    rawCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// recordFactory keeps records as-is; printing picks the fields it needs.
var recordFactory = squeezer.ItemFactoryFunc(func(kind squeezer.Kind, record squeezer.Record) (squeezer.Item, error) {
	return record, nil
})

// query runs one paginated request to completion and prints each item on
// its own line, preferring the named fields when present.
func query(c *cli.Context, name string, params []string, primary, secondary string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	transport, err := squeezer.Dial(ctx, c.String("addr"))
	if err != nil {
		return err
	}
	defer transport.Close()

	client := squeezer.NewClient(transport, recordFactory,
		squeezer.WithPageSize(c.Int("page-size")))
	go client.Listen(ctx)

	type pageResult struct {
		count int
		start int
		items []squeezer.Item
		kind  squeezer.Kind
	}
	pages := make(chan pageResult, 16)
	fn := func(count, start int, params map[string]string, items []squeezer.Item, kind squeezer.Kind) {
		pages <- pageResult{count: count, start: start, items: items, kind: kind}
	}

	owner := new(int)
	if err := client.RequestItems(name, 0, params, fn, owner); err != nil {
		return err
	}

	// A multi-list command reports several totals; drain pages until every
	// list is complete.
	received := make(map[squeezer.Kind]int)
	totals := make(map[squeezer.Kind]int)
	for {
		select {
		case p := <-pages:
			totals[p.kind] = p.count
			received[p.kind] += len(p.items)
			for _, item := range p.items {
				printItem(p.kind, item.(squeezer.Record), primary, secondary)
			}
			if complete(received, totals) {
				return nil
			}
		case <-ctx.Done():
			client.CancelRequests(owner)
			return ctx.Err()
		}
	}
}

func complete(received, totals map[squeezer.Kind]int) bool {
	for kind, total := range totals {
		if received[kind] < total {
			return false
		}
	}
	return len(totals) > 0
}

func printItem(kind squeezer.Kind, record squeezer.Record, primary, secondary string) {
	if primary != "" {
		line := record[primary]
		if s := record[secondary]; s != "" {
			line += "\t" + s
		}
		fmt.Println(line)
		return
	}

	// No preferred fields, print the whole record in stable order.
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(kind))
	for _, k := range keys {
		parts = append(parts, k+":"+record[k])
	}
	fmt.Println(strings.Join(parts, " "))
}

// rawCommand sends the arguments as one command line and prints reply
// lines until the timeout expires.
func rawCommand(c *cli.Context) error {
	line := strings.Join(c.Args().Slice(), " ")
	if line == "" {
		return cli.Exit("raw needs a command", 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	transport, err := squeezer.Dial(ctx, c.String("addr"))
	if err != nil {
		return err
	}
	defer transport.Close()

	// Closing the transport on timeout ends the reply loop.
	go func() {
		<-ctx.Done()
		transport.Close()
	}()

	if err := transport.Send(ctx, line); err != nil {
		return err
	}
	for reply := range transport.Lines() {
		fmt.Println(reply)
	}
	return nil
}
