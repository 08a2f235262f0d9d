package build

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrNoEntryPoint = errors.New("no entry point found")

// conventionalEntries are tried in order when the application does not name
// its entry file.
var conventionalEntries = []string{"index.ts", "index.wasm", "assembly/index.ts"}

// reservedFunctions are runtime intrinsics that are exported by every
// module but are not part of the contract.
var reservedFunctions = map[string]bool{
	"__new":           true,
	"__pin":           true,
	"__unpin":         true,
	"__collect":       true,
	"__rtti_base":     true,
	"register_routes": true,
}

var exportedFunction = regexp.MustCompile(`(?m)^export declare function (\w+)\(`)

// ContentSource is the common view of application files shared by every
// build strategy.
type ContentSource interface {
	GetContent(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, dir string) ([]string, error)
}

// FindEntry returns the configured entry when it exists, otherwise the first
// conventional entry present in the application's directory listing.
func FindEntry(ctx context.Context, source ContentSource, configured string) (string, error) {
	if configured != "" {
		data, err := source.GetContent(ctx, configured)
		if err != nil {
			return "", fmt.Errorf("failed to read entry %s: %w", configured, err)
		}
		if data == nil {
			return "", fmt.Errorf("%w: %s does not exist", ErrNoEntryPoint, configured)
		}
		return configured, nil
	}

	listings := map[string]map[string]bool{}
	for _, candidate := range conventionalEntries {
		dir, name := "", candidate
		if i := strings.LastIndex(candidate, "/"); i >= 0 {
			dir, name = candidate[:i], candidate[i+1:]
		}

		entries, ok := listings[dir]
		if !ok {
			names, err := source.List(ctx, dir)
			if err != nil {
				return "", fmt.Errorf("failed to list %q: %w", dir, err)
			}
			entries = make(map[string]bool, len(names))
			for _, n := range names {
				entries[n] = true
			}
			listings[dir] = entries
		}
		if entries[name] {
			return candidate, nil
		}
	}
	return "", ErrNoEntryPoint
}

// ExtractContractFunctions lists the exported functions of a declaration
// surface, minus runtime intrinsics, in declaration order.
func ExtractContractFunctions(dts string) []string {
	functions := []string{}
	seen := map[string]bool{}
	for _, m := range exportedFunction.FindAllStringSubmatch(dts, -1) {
		name := m[1]
		if reservedFunctions[name] || seen[name] {
			continue
		}
		seen[name] = true
		functions = append(functions, name)
	}
	return functions
}
