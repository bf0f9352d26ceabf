// Package servant implements the execution side of the cluster: it
// accepts compilation tasks from remote requestors, runs the compiler in
// a sandbox directory, hands the outputs back, and asynchronously fills
// the distributed cache.
package servant

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

// CompilerRegistry maps an EnvironmentDesc to the local path of a
// compiler binary whose content digest matches it. Only compilers
// registered here may ever be executed on behalf of a remote requestor.
type CompilerRegistry struct {
	mu       sync.RWMutex
	byDigest map[string]string
}

// NewCompilerRegistry returns an empty registry.
func NewCompilerRegistry() *CompilerRegistry {
	return &CompilerRegistry{byDigest: make(map[string]string)}
}

// RegisterCompiler digests the binary at path and registers it. The
// digest covers the file's content, so two hosts with byte-identical
// compilers advertise the same environment.
func (r *CompilerRegistry) RegisterCompiler(path string) (model.EnvironmentDesc, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.EnvironmentDesc{}, errors.Wrapf(err, "reading compiler %q", path)
	}
	env := model.NewEnvironmentDesc(content)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byDigest[env.CompilerDigest]; ok && existing != path {
		nlog.Infof("Compiler [%s] is byte-identical to already-registered [%s].", path, existing)
		return env, nil
	}
	r.byDigest[env.CompilerDigest] = path
	nlog.Infof("Registered compiler [%s] as environment [%s].", path, env.CompilerDigest)
	return env, nil
}

// TryGetPath resolves the environment to a local compiler path.
func (r *CompilerRegistry) TryGetPath(env model.EnvironmentDesc) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.byDigest[env.CompilerDigest]
	return path, ok
}

// Environments lists every environment this servant can serve,
// advertised in its heartbeats.
func (r *CompilerRegistry) Environments() []model.EnvironmentDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EnvironmentDesc, 0, len(r.byDigest))
	for digest := range r.byDigest {
		out = append(out, model.EnvironmentDesc{CompilerDigest: digest})
	}
	return out
}
