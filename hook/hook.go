package hook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

// The hook command is nested like so:
//
//	dockyard hook --[flags] [hook]
func Command() *cli.Command {
	return &cli.Command{
		Name:  "hook",
		Usage: "run git hooks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "address of the dockyard server",
				Value: "http://localhost:6560",
			},
			&cli.StringFlag{
				Name:  "actor",
				Usage: "who pushed",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "post-receive",
				Usage:  "reports pushed refs to dockyard (waits for stdin)",
				Action: postReceive,
			},
		},
	}
}

type PushEvent struct {
	Ref   string `json:"ref"`
	Sha   string `json:"sha"`
	Actor string `json:"actor,omitempty"`
}

// ParseUpdates reads "<old> <new> <ref>" lines as git feeds them to a
// post-receive hook. Deleted refs and refs other than branches and tags are
// skipped.
func ParseUpdates(r io.Reader) ([]PushEvent, error) {
	var events []PushEvent

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update: %q", scanner.Text())
		}

		if fields[1] == plumbing.ZeroHash.String() || !workflow.IsPushRef(fields[2]) {
			continue
		}
		events = append(events, PushEvent{Ref: fields[2], Sha: fields[1]})
	}

	return events, scanner.Err()
}

func postReceive(ctx context.Context, cmd *cli.Command) error {
	endpoint := strings.TrimSuffix(cmd.String("endpoint"), "/")
	actor := cmd.String("actor")

	events, err := ParseUpdates(cmd.Root().Reader)
	if err != nil {
		return err
	}

	client := &http.Client{}

	for _, ev := range events {
		ev.Actor = actor
		if err := send(ctx, client, endpoint, ev); err != nil {
			return err
		}
	}

	return nil
}

func send(ctx context.Context, client *http.Client, endpoint string, ev PushEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/hooks/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}
