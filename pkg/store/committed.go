package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/operator-framework/wssync/pkg/identity"
)

const committedFileName = "committed.json"

func loadCommitted(dir string) ([]identity.ID, error) {
	raw, err := os.ReadFile(filepath.Join(dir, committedFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var openIDs []string
	if err := json.Unmarshal(raw, &openIDs); err != nil {
		return nil, err
	}
	out := make([]identity.ID, 0, len(openIDs))
	for _, s := range openIDs {
		id, err := identity.ParseOpenID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func saveCommitted(dir string, ids []identity.ID) error {
	openIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		openIDs = append(openIDs, id.OpenID())
	}
	raw, err := json.MarshalIndent(openIDs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".committed-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, committedFileName))
}
