package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilePresence returns a gate that passes when every listed path exists.
// The check is a read-only stat scan; a missing path produces a
// "no <name> found" message naming the absent file.
func FilePresence(name string, paths ...string) Gate {
	return Gate{
		Name: name,
		Check: func(_ context.Context) Result {
			var messages []string

			for _, path := range paths {
				if _, err := os.Stat(path); err != nil {
					messages = append(messages, fmt.Sprintf("no %s found", filepath.Base(path)))
				}
			}

			if len(messages) > 0 {
				return Fail(messages...)
			}

			return Pass()
		},
	}
}

// DefaultRegistry returns the stock acceptance gates for a project root:
// mTLS key material, the explainability artifact, the agent buffer
// persistence module, and the release signing script. The gate contents are
// opaque to the pipeline; only their composition matters here.
func DefaultRegistry(root string) *Registry {
	r := NewRegistry()

	r.MustRegister(FilePresence("mtls",
		filepath.Join(root, "certs", "ca.crt"),
		filepath.Join(root, "certs", "server.crt"),
		filepath.Join(root, "certs", "server.key"),
	))
	r.MustRegister(FilePresence("shap",
		filepath.Join(root, "core", "analytics", "explainability.py"),
	))
	r.MustRegister(FilePresence("buffer",
		filepath.Join(root, "linux-agent", "buffer", "persistence.py"),
	))
	r.MustRegister(FilePresence("signing-script",
		filepath.Join(root, "scripts", "sign_release.sh"),
	))

	return r
}
