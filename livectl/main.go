package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/recordbook/live/live"
)

const LiveCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8080"
const DefaultConnectUrl = "ws://localhost:8080/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Live update control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    livectl watch [--connect_url=<connect_url>] --user_id=<user_id>
        [--project=<project_id>...]
        [--agenda=<agenda_id>...]
        [--event_count=<event_count>]
        [--v=<level>]
    livectl broadcast [--api_url=<api_url>] [--token=<token>]
        (--identity=<identity>... | --project=<project_id> | --agenda=<agenda_id> | --all)
        [--exclude=<identity>]
        <event>
    livectl stats [--api_url=<api_url>] [--token=<token>] [--connections]
    livectl token --api_secret=<api_secret> [--subject=<subject>] [--ttl=<ttl>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user_id=<user_id>              Identity to register as.
    --project=<project_id>           Project to watch, or to broadcast to.
    --agenda=<agenda_id>             Agenda item to watch, or to broadcast to.
    --event_count=<event_count>      Print this many events then exit.
    --identity=<identity>            Broadcast to every connection of this identity.
    --all                            Broadcast to every connection.
    --connections                    List each open connection with its watches.
    --exclude=<identity>             Do not deliver to connections of this identity.
    --token=<token>                  Broadcast api token. Falls back to $LIVE_API_TOKEN.
    --api_secret=<api_secret>        Secret the server verifies tokens with.
    --subject=<subject>              Token subject [default: livectl].
    --ttl=<ttl>                      Token lifetime, e.g. 24h. 0 does not expire [default: 0].
    --v=<level>                      Log verbosity [default: 0].`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if broadcast_, _ := opts.Bool("broadcast"); broadcast_ {
		broadcast(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value, err := opts.String(key); err == nil && value != "" {
		return value
	}
	return defaultValue
}

// options repeated in one pattern are lists in every pattern
func optFirst(opts docopt.Opts, key string) string {
	switch v := opts[key].(type) {
	case string:
		return v
	case []string:
		if 0 < len(v) {
			return v[0]
		}
	}
	return ""
}

func optStrings(opts docopt.Opts, key string) []string {
	if values, ok := opts[key].([]string); ok {
		return values
	}
	return []string{}
}

func apiClient(opts docopt.Opts) *live.ApiClient {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	apiToken := optString(opts, "--token", os.Getenv("LIVE_API_TOKEN"))
	return live.NewApiClient(apiUrl, apiToken)
}

// connect as a user, watch resources, and print events as they arrive
func watch(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("v", optString(opts, "--v", "0"))
	flag.CommandLine.Parse([]string{})

	connectUrl := optString(opts, "--connect_url", DefaultConnectUrl)
	userId := optString(opts, "--user_id", "")

	eventCount := -1
	if _, err := opts.String("--event_count"); err == nil {
		eventCount, err = opts.Int("--event_count")
		if err != nil {
			Err.Fatalf("bad event count: %s", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := live.NewClientWithDefaults(ctx, connectUrl)
	defer client.Close()

	for _, projectId := range optStrings(opts, "--project") {
		client.WatchProject(live.ResourceId(projectId))
	}
	for _, agendaId := range optStrings(opts, "--agenda") {
		client.WatchAgenda(live.ResourceId(agendaId))
	}

	pretty := term.IsTerminal(int(os.Stdout.Fd()))

	events := make(chan *live.Event, 16)
	client.OnAny(func(event *live.Event) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	})

	client.Connect(live.Identity(userId))

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	lastState := client.State()
	for i := 0; eventCount < 0 || i < eventCount; {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			printEvent(event, pretty)
			i += 1
		case <-statusTicker.C:
			state := client.State()
			if state != lastState {
				Err.Printf("%s (%d attempts)", state, client.Attempts())
				lastState = state
			}
		}
	}
}

func printEvent(event *live.Event, pretty bool) {
	if !pretty {
		Out.Printf("%s", event.Raw)
		return
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, event.Raw, "", "  "); err != nil {
		Out.Printf("%s", event.Raw)
		return
	}
	Out.Printf("[%s]\n%s", event.Type, indented.String())
}

func broadcast(opts docopt.Opts) {
	eventStr, _ := opts.String("<event>")
	event := json.RawMessage(eventStr)
	if err := live.ValidateEvent(event); err != nil {
		Err.Fatalf("%s", err)
	}
	exclude := live.Identity(optString(opts, "--exclude", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := apiClient(opts)

	var err error
	if all, _ := opts.Bool("--all"); all {
		err = client.BroadcastToAll(ctx, event, exclude)
	} else if projectId := optFirst(opts, "--project"); projectId != "" {
		err = client.BroadcastToProjectWatchers(ctx, live.ResourceId(projectId), event, exclude)
	} else if agendaId := optFirst(opts, "--agenda"); agendaId != "" {
		err = client.BroadcastToAgendaWatchers(ctx, live.ResourceId(agendaId), event, exclude)
	} else {
		identities := []live.Identity{}
		for _, identity := range optStrings(opts, "--identity") {
			identities = append(identities, live.Identity(identity))
		}
		err = client.BroadcastToIdentities(ctx, identities, event)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("accepted")
}

func stats(opts docopt.Opts) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := apiClient(opts)

	stats, err := client.Stats(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("connections: %d", stats.Connections)
	Out.Printf("identities: %d", stats.Identities)
	Out.Printf("watches: %d", stats.Watches)

	if connections, _ := opts.Bool("--connections"); connections {
		infos, err := client.Connections(ctx)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		for _, info := range infos {
			Out.Printf("%s identity=%q projects=%v agendas=%v", info.ConnectionId, info.Identity, info.Projects, info.Agendas)
		}
	}
}

func token(opts docopt.Opts) {
	apiSecret, _ := opts.String("--api_secret")
	subject := optString(opts, "--subject", "livectl")
	ttl, err := time.ParseDuration(optString(opts, "--ttl", "0"))
	if err != nil {
		Err.Fatalf("bad ttl: %s", err)
	}

	apiToken, err := live.NewApiToken(apiSecret, subject, ttl)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", apiToken)
}
