package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

const usage = `usage: meshctl [-server URL] <command> [flags]

commands:
  peers [-room R]   list clients connected to the relay
  rooms             list rooms and member counts
  status            show relay status
`

func main() {
	server := flag.String("server", envOr("NEONET_RELAY_HTTP", "http://127.0.0.1:8080"), "relay base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if shutdown, err := tracing.Init(ctx, nil, "neonet-meshctl"); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}
	c := &client{base: *server, http: &http.Client{Timeout: *timeout}}

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "peers":
		fs := flag.NewFlagSet("peers", flag.ExitOnError)
		room := fs.String("room", "", "only list members of this room")
		_ = fs.Parse(args)
		err = c.peers(ctx, *room)
	case "rooms":
		err = c.rooms(ctx)
	case "status":
		err = c.status(ctx)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "meshctl:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) peers(ctx context.Context, room string) error {
	ctx, span := otel.Tracer(tracing.TracerCLI).Start(ctx, tracing.SpanCLIListPeers)
	defer span.End()

	var resp struct {
		Count int              `json:"count"`
		Peers []types.PeerInfo `json:"peers"`
	}
	q := url.Values{}
	if room != "" {
		q.Set("room", room)
	}
	if err := c.get(ctx, "/v1/peers", q, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tROOM\tUSER\tREGION\tLAST SEEN")
	for _, p := range resp.Peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.NodeID, p.Room, p.Metadata.UserName, p.Metadata.Region, p.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}

func (c *client) rooms(ctx context.Context) error {
	ctx, span := otel.Tracer(tracing.TracerCLI).Start(ctx, tracing.SpanCLIListRooms)
	defer span.End()

	rooms := map[string]int{}
	if err := c.get(ctx, "/v1/rooms", nil, &rooms); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tMEMBERS")
	for name, n := range rooms {
		fmt.Fprintf(w, "%s\t%d\n", name, n)
	}
	return w.Flush()
}

func (c *client) status(ctx context.Context) error {
	var st map[string]any
	if err := c.get(ctx, "/v1/status", nil, &st); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
