package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Store reads and writes calibration YAML files under
// <root>/<device>/<name>.yaml and tracks the active calibration per device in
// the KV store.
type Store struct {
	root string
	kv   domain.KV
}

// NewStore constructs a Store; kv may be nil if active-calibration tracking
// is not needed (pure CLI display paths).
func NewStore(root string, kv domain.KV) *Store {
	return &Store{root: root, kv: kv}
}

func (s *Store) path(device, name string) string {
	return filepath.Join(s.root, device, name+".yaml")
}

// Load reads one calibration; missing or empty files fail distinctly.
func (s *Store) Load(device, name string) (*Calibration, error) {
	raw, err := os.ReadFile(s.path(device, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("op=calibration.Load device=%s name=%s: %w", device, name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=calibration.Load device=%s name=%s: %w", device, name, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("op=calibration.Load device=%s name=%s: empty file: %w", device, name, domain.ErrInvalidArgument)
	}
	var cal Calibration
	if err := yaml.Unmarshal(raw, &cal); err != nil {
		return nil, fmt.Errorf("op=calibration.Load device=%s name=%s: %w", device, name, err)
	}
	return &cal, nil
}

// Save writes the calibration atomically (temp file + rename), creating
// parent directories. Calibrations are immutable after save in intent; Save
// overwrites by name.
func (s *Store) Save(cal *Calibration) error {
	if cal.Name == "" || cal.Device == "" {
		return fmt.Errorf("op=calibration.Save: name and device required: %w", domain.ErrInvalidArgument)
	}
	dir := filepath.Join(s.root, cal.Device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	raw, err := yaml.Marshal(cal)
	if err != nil {
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+cal.Name+"-*")
	if err != nil {
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cal.Device, cal.Name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=calibration.Save: %w", err)
	}
	return nil
}

// List names the saved calibrations for a device, sorted.
func (s *Store) List(device string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, device))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=calibration.List device=%s: %w", device, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a calibration file and clears it as active if it was.
func (s *Store) Delete(device, name string) error {
	if err := os.Remove(s.path(device, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("op=calibration.Delete device=%s name=%s: %w", device, name, domain.ErrNotFound)
		}
		return fmt.Errorf("op=calibration.Delete device=%s name=%s: %w", device, name, err)
	}
	if s.kv != nil {
		if active, _ := s.ActiveName(device); active == name {
			_ = s.kv.Delete(domain.ScopeActiveCalibrations, device)
		}
	}
	return nil
}

// SetActive designates the calibration in effect for a device.
func (s *Store) SetActive(device, name string) error {
	if _, err := s.Load(device, name); err != nil {
		return err
	}
	return s.kv.Put(domain.ScopeActiveCalibrations, device, []byte(name))
}

// ActiveName returns the active calibration's name for a device.
func (s *Store) ActiveName(device string) (string, error) {
	raw, ok, err := s.kv.Get(domain.ScopeActiveCalibrations, device)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("op=calibration.ActiveName device=%s: %w", device, domain.ErrCalibrationMissing)
	}
	return string(raw), nil
}

// LoadActive loads the calibration designated active for a device.
func (s *Store) LoadActive(device string) (*Calibration, error) {
	name, err := s.ActiveName(device)
	if err != nil {
		return nil, err
	}
	return s.Load(device, name)
}
