package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/loykin/changerun"
	"github.com/loykin/changerun/cmd/changerun/config"
	"github.com/loykin/changerun/internal/httpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadConfig reads the config file named by the "config" key. A missing file
// is tolerated unless it was named explicitly.
func loadConfig(cmd *cobra.Command) (*config.ConfigDoc, error) {
	v := viper.GetViper()
	doc := &config.ConfigDoc{}
	path := strings.TrimSpace(v.GetString("config"))
	if path != "" {
		err := doc.Load(path)
		explicit := cmd.Flags().Changed("config") || os.Getenv("CHANGERUN_CONFIG") != ""
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	doc.ApplyOverrides(v)
	if err := doc.SetupLogging(); err != nil {
		return nil, err
	}
	return doc, nil
}

// configPath returns the config file in use, or "" when none exists.
func configPath() string {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return ""
	}
	if st, err := os.Stat(path); err != nil || !st.Mode().IsRegular() {
		return ""
	}
	return path
}

// remote returns a client when --server is set.
func remote(doc *config.ConfigDoc) *httpc.Client {
	server := strings.TrimSpace(viper.GetString("server"))
	if server == "" {
		return nil
	}
	return httpc.NewClient(server, doc.Client.HTTPClient())
}

// withService runs fn against a locally opened service.
func withService(ctx context.Context, doc *config.ConfigDoc, fn func(*changerun.Service) error) error {
	svc, closer, err := doc.OpenService(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRemote(w io.Writer, res *httpc.Result) error {
	_, err := fmt.Fprintln(w, res.Body.Raw)
	return err
}

func optionalTag(cmd *cobra.Command) *string {
	if !cmd.Flags().Changed("tag") {
		return nil
	}
	tag, _ := cmd.Flags().GetString("tag")
	if strings.TrimSpace(tag) == "" {
		return nil
	}
	return &tag
}
