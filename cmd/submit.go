package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/switchyard/api/switches"
	"github.com/kilianp07/switchyard/config"
	"github.com/kilianp07/switchyard/core/dispatch"
	"github.com/kilianp07/switchyard/core/model"
)

var (
	submitController string
	submitSwitches   []string
	submitState      string
	submitServer     string
	submitTimeout    time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send a one-shot switch change to a running service",
	Example: `  switchyard submit --controller c1 --switch s1 --state on
  switchyard submit --controller c1 --switch s1,s2 --state toggle`,
	RunE: submit,
}

func init() {
	submitCmd.Flags().StringVar(&submitController, "controller", "", "controller id")
	submitCmd.Flags().StringSliceVar(&submitSwitches, "switch", nil, "switch ids")
	submitCmd.Flags().StringVar(&submitState, "state", "toggle", "on, off or toggle")
	submitCmd.Flags().StringVar(&submitServer, "server", "", "service base URL (defaults to the configured http address)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 30*time.Second, "request timeout")
	_ = submitCmd.MarkFlagRequired("controller")
	_ = submitCmd.MarkFlagRequired("switch")
	rootCmd.AddCommand(submitCmd)
}

func parseState(s string) (*bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		v := true
		return &v, nil
	case "off", "false", "0":
		v := false
		return &v, nil
	case "toggle", "":
		return nil, nil
	}
	return nil, fmt.Errorf("invalid state %q", s)
}

func buildChangeSet(controller string, ids []string, state *bool) switches.ChangeSet {
	set := switches.ChangeSet{Changes: make([]model.ChangeRequest, 0, len(ids))}
	for _, id := range ids {
		set.Changes = append(set.Changes, model.ChangeRequest{ControllerID: controller, SwitchID: id, State: state})
	}
	return set
}

func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func submit(cmd *cobra.Command, args []string) error {
	state, err := parseState(submitState)
	if err != nil {
		return err
	}
	base, token := submitServer, ""
	if cfg, err := config.Load(cfgPath); err == nil {
		token = cfg.HTTP.Token
		if base == "" {
			base = cfg.HTTP.Addr
		}
	} else if base == "" {
		return fmt.Errorf("load config: %w", err)
	}

	body, err := json.Marshal(buildChangeSet(submitController, submitSwitches, state))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
	defer cancel()
	res, err := postChanges(ctx, serverURL(base), token, body)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d changes failed", len(res.Failed), len(res.Failed)+len(res.Successful))
	}
	return nil
}

func postChanges(ctx context.Context, base, token string, body []byte) (dispatch.Result, error) {
	var res dispatch.Result
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/switches/changes", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return res, fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}
