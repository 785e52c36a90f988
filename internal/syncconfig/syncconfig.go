// Package syncconfig stores the device's server credentials in the data
// directory. Environment variables take precedence over the stored file.
// The device key is sealed with a key derived from the data directory's
// master key.
package syncconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/crypto"
)

const (
	credentialsFile = "credentials.json"
	masterKeyFile   = "master.key"
	sealPurpose     = "credentials"
)

// Credentials identify this device to the sync server.
type Credentials struct {
	ServerURL string
	DeviceID  string
	DeviceKey string
}

// stored is the on-disk form.
type stored struct {
	ServerURL       string `json:"server_url"`
	DeviceID        string `json:"device_id"`
	SealedDeviceKey string `json:"device_key_sealed"`
}

func sealKey(dataDir string) ([]byte, error) {
	master, err := crypto.LoadOrCreateMasterKey(filepath.Join(dataDir, masterKeyFile))
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(master, sealPurpose)
}

// ErrNoCredentials is returned when the device has not been enrolled.
var ErrNoCredentials = errors.New("device not enrolled: run 'fieldsync enroll'")

// Path returns the credentials file inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, credentialsFile)
}

// Load reads stored credentials. It returns nil, nil when none are stored.
func Load(dataDir string) (*Credentials, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st stored
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", credentialsFile, err)
	}
	creds := &Credentials{ServerURL: st.ServerURL, DeviceID: st.DeviceID}
	if st.SealedDeviceKey != "" {
		key, err := sealKey(dataDir)
		if err != nil {
			return nil, err
		}
		if creds.DeviceKey, err = crypto.OpenString(key, st.SealedDeviceKey); err != nil {
			return nil, fmt.Errorf("unseal device key: %w", err)
		}
	}
	return creds, nil
}

// Save writes credentials with 0600 perms using temp file + rename.
func Save(dataDir string, creds *Credentials) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st := stored{ServerURL: creds.ServerURL, DeviceID: creds.DeviceID}
	if creds.DeviceKey != "" {
		key, err := sealKey(dataDir)
		if err != nil {
			return err
		}
		if st.SealedDeviceKey, err = crypto.SealString(key, creds.DeviceKey); err != nil {
			return fmt.Errorf("seal device key: %w", err)
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := Path(dataDir)
	tmp, err := os.CreateTemp(dataDir, credentialsFile+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Clear removes stored credentials. The master key is kept.
func Clear(dataDir string) error {
	err := os.Remove(Path(dataDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Resolve merges explicit values over stored credentials. Explicit values
// normally come from config or FIELDSYNC_SERVER__* variables.
func Resolve(dataDir string, explicit Credentials) (*Credentials, error) {
	stored, err := Load(dataDir)
	if err != nil {
		return nil, err
	}
	out := explicit
	if stored != nil {
		if out.DeviceID == "" {
			out.DeviceID = stored.DeviceID
		}
		if out.DeviceKey == "" {
			out.DeviceKey = stored.DeviceKey
		}
		if out.ServerURL == "" {
			out.ServerURL = stored.ServerURL
		}
	}
	if out.DeviceID == "" || out.DeviceKey == "" {
		return nil, ErrNoCredentials
	}
	return &out, nil
}
