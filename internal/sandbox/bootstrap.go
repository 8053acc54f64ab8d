package sandbox

import (
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
)

// chunkSize keeps every environment value well under the kernel's per-string limit
const chunkSize = 64 * 1024

type injectedFile struct {
	path    string
	content string
}

// bootstrap builds the shell program that materialises the files inside the sandbox and
// then execs the command. File contents travel base64 encoded in environment variables,
// so no host path is ever mounted for test content.
func bootstrap(workdir string, files []injectedFile, extractFrom string, command []string) (script string, env []string) {
	var b strings.Builder
	b.WriteString("set -eu\n")
	fmt.Fprintf(&b, "mkdir -p %s\ncd %s\n", shellQuote(workdir), shellQuote(workdir))

	var vars []string
	for i, f := range files {
		encoded := base64.StdEncoding.EncodeToString([]byte(f.content))

		var parts []string
		for j := 0; len(encoded) > 0 || j == 0; j++ {
			n := min(chunkSize, len(encoded))
			name := fmt.Sprintf("TW_F%d_%d", i, j)
			env = append(env, name+"="+encoded[:n])
			parts = append(parts, fmt.Sprintf(`printf '%%s' "$%s";`, name))
			vars = append(vars, name)
			encoded = encoded[n:]
		}

		if dir := path.Dir(f.path); dir != "." {
			fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(dir))
		}
		fmt.Fprintf(&b, "{ %s } | base64 -d > %s\n", strings.Join(parts, " "), shellQuote(f.path))
	}
	if len(vars) > 0 {
		fmt.Fprintf(&b, "unset %s\n", strings.Join(vars, " "))
	}
	if extractFrom != "" {
		fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(extractFrom))
	}

	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = shellQuote(arg)
	}
	fmt.Fprintf(&b, "exec %s\n", strings.Join(quoted, " "))

	return b.String(), env
}

// collectFiles orders the files to inject: the entry script first, then the additional
// files by path
func collectFiles(req *Request) []injectedFile {
	main, _ := workspacePath(req.Script.FileName)
	files := []injectedFile{{path: main, content: req.Script.Content}}

	paths := make([]string, 0, len(req.AdditionalFiles))
	for p := range req.AdditionalFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		clean, _ := workspacePath(p)
		if clean == main {
			continue
		}
		files = append(files, injectedFile{path: clean, content: req.AdditionalFiles[p]})
	}
	return files
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
