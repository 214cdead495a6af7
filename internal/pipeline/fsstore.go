// Copyright 2025 James Ross
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/modules"
	"go.uber.org/zap"
)

// imageFile is the on-disk rendering of an image. Factories are not
// serializable; they are re-resolved against the registry on load.
type imageFile struct {
	StructuralHash string    `json:"structuralHash"`
	SyntacticHash  string    `json:"syntacticHash,omitempty"`
	Spec           *dag.Spec `json:"dagSpec"`
}

// FSStore wraps an in-memory Store with durable persistence:
//
//	<root>/images/<hash>.json
//	<root>/aliases.json
//	<root>/syntactic-index.json
//
// Reads hit the wrapped store; writes go to both. All file writes are
// temp-file + rename so readers never observe a torn file.
type FSStore struct {
	inner  Store
	root   string
	reg    *modules.Registry
	logger *zap.Logger
}

// NewFSStore creates the layout under root and loads any persisted state
// into the wrapped store. Images whose recorded hash no longer matches the
// registry (a module signature changed) are skipped with a warning.
func NewFSStore(inner Store, root string, reg *modules.Registry, logger *zap.Logger) (*FSStore, error) {
	s := &FSStore{inner: inner, root: root, reg: reg, logger: logger}
	if err := os.MkdirAll(filepath.Join(root, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("create pipeline dir: %w", err)
	}
	if err := s.loadImages(); err != nil {
		return nil, err
	}
	if err := s.loadAliases(); err != nil {
		return nil, err
	}
	if err := s.loadSyntacticIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FSStore) loadImages() error {
	entries, err := os.ReadDir(filepath.Join(s.root, "images"))
	if err != nil {
		return fmt.Errorf("read images dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		// Ignore temp files from interrupted writes.
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.root, "images", name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable pipeline image", zap.String("path", path), zap.Error(err))
			continue
		}
		var file imageFile
		if err := json.Unmarshal(data, &file); err != nil {
			s.logger.Warn("skipping malformed pipeline image", zap.String("path", path), zap.Error(err))
			continue
		}
		img, err := NewImage(file.Spec, s.reg, file.SyntacticHash)
		if err != nil {
			s.logger.Warn("skipping unloadable pipeline image", zap.String("path", path), zap.Error(err))
			continue
		}
		if img.StructuralHash != file.StructuralHash {
			s.logger.Warn("pipeline image hash drift, skipping",
				zap.String("path", path),
				zap.String("recorded", file.StructuralHash),
				zap.String("computed", img.StructuralHash))
			continue
		}
		if _, err := s.inner.Store(img); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSStore) loadAliases() error {
	var aliases map[string]string
	if ok, err := readJSONFile(filepath.Join(s.root, "aliases.json"), &aliases); err != nil || !ok {
		return err
	}
	for name, hash := range aliases {
		if err := s.inner.Alias(name, hash); err != nil {
			s.logger.Warn("dropping dangling alias", zap.String("name", name), zap.String("hash", hash))
		}
	}
	return nil
}

func (s *FSStore) loadSyntacticIndex() error {
	var index map[string]string
	if ok, err := readJSONFile(filepath.Join(s.root, "syntactic-index.json"), &index); err != nil || !ok {
		return err
	}
	for key, hash := range index {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		s.inner.IndexSyntactic(parts[0], parts[1], hash)
	}
	return nil
}

func readJSONFile(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// writeFileAtomic writes via a temp file in the same directory followed by
// rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FSStore) persistImage(img *Image) error {
	data, err := json.MarshalIndent(imageFile{
		StructuralHash: img.StructuralHash,
		SyntacticHash:  img.SyntacticHash,
		Spec:           img.Spec,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.root, "images", img.StructuralHash+".json"), data)
}

func (s *FSStore) persistAliases() error {
	data, err := json.MarshalIndent(s.inner.ListAliases(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.root, "aliases.json"), data)
}

func (s *FSStore) persistSyntacticIndex(key, hash string) error {
	path := filepath.Join(s.root, "syntactic-index.json")
	index := map[string]string{}
	if _, err := readJSONFile(path, &index); err != nil {
		return err
	}
	index[key] = hash
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Store interface delegation. Writes persist after the in-memory update so
// readers through the wrapped store always see at least what is on disk.

func (s *FSStore) Store(img *Image) (string, error) {
	hash, err := s.inner.Store(img)
	if err != nil {
		return "", err
	}
	if err := s.persistImage(img); err != nil {
		return "", fmt.Errorf("persist image: %w", err)
	}
	return hash, nil
}

func (s *FSStore) Get(hash string) (*Image, bool)       { return s.inner.Get(hash) }
func (s *FSStore) GetByName(name string) (*Image, bool) { return s.inner.GetByName(name) }
func (s *FSStore) Resolve(name string) (string, bool)   { return s.inner.Resolve(name) }
func (s *FSStore) ListImages() []ImageSummary           { return s.inner.ListImages() }
func (s *FSStore) ListAliases() map[string]string       { return s.inner.ListAliases() }

func (s *FSStore) Alias(name, hash string) error {
	if err := s.inner.Alias(name, hash); err != nil {
		return err
	}
	if err := s.persistAliases(); err != nil {
		return fmt.Errorf("persist aliases: %w", err)
	}
	return nil
}

func (s *FSStore) Remove(hash string) bool {
	removed := s.inner.Remove(hash)
	if !removed {
		return false
	}
	if err := os.Remove(filepath.Join(s.root, "images", hash+".json")); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove persisted image", zap.String("hash", hash), zap.Error(err))
	}
	if err := s.persistAliases(); err != nil {
		s.logger.Warn("persist aliases after remove", zap.Error(err))
	}
	return true
}

func (s *FSStore) IndexSyntactic(syntacticHash, registryHash, structuralHash string) {
	s.inner.IndexSyntactic(syntacticHash, registryHash, structuralHash)
	if err := s.persistSyntacticIndex(syntacticKey(syntacticHash, registryHash), structuralHash); err != nil {
		s.logger.Warn("persist syntactic index", zap.Error(err))
	}
}

func (s *FSStore) LookupSyntactic(syntacticHash, registryHash string) (string, bool) {
	return s.inner.LookupSyntactic(syntacticHash, registryHash)
}
