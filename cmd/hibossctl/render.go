package main

import (
	"fmt"
	"sort"
	"strings"
)

// sentinelKeys maps a result's list field to the empty-set sentinel
// line the CLI surface contract names (§6): `no-envelopes: true`,
// `no-crons: true`, `no-agents: true`.
var sentinelKeys = map[string]string{
	"envelopes": "no-envelopes",
	"crons":     "no-crons",
	"agents":    "no-agents",
}

// render prints result as kebab-case `key: value` lines (§6 "CLI
// surface"). A known list field ("envelopes", "crons", "agents")
// renders as a sentinel when empty, or one blank-line-separated block
// per record otherwise.
func render(result map[string]any) {
	keys := sortedKeys(result)
	for _, k := range keys {
		v := result[k]
		if sentinel, isList := sentinelKeys[k]; isList {
			items, _ := v.([]any)
			if len(items) == 0 {
				fmt.Printf("%s: true\n", sentinel)
				continue
			}
			for i, item := range items {
				if i > 0 {
					fmt.Println()
				}
				if m, ok := item.(map[string]any); ok {
					for _, line := range kebabLines(m, "") {
						fmt.Println(line)
					}
				} else {
					fmt.Printf("%s: %v\n", camelToKebab(k), item)
				}
			}
			continue
		}
		for _, line := range kebabLines(map[string]any{k: v}, "") {
			fmt.Println(line)
		}
	}
}

// kebabLines flattens a decoded JSON object into `key: value` lines,
// kebab-casing each camelCase key and joining nested-object paths
// with ".".
func kebabLines(m map[string]any, prefix string) []string {
	var lines []string
	for _, k := range sortedKeys(m) {
		key := camelToKebab(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch v := m[k].(type) {
		case map[string]any:
			lines = append(lines, kebabLines(v, key)...)
		case []any:
			if len(v) == 0 {
				lines = append(lines, fmt.Sprintf("%s: []", key))
				continue
			}
			parts := make([]string, len(v))
			for i, e := range v {
				parts[i] = fmt.Sprintf("%v", e)
			}
			lines = append(lines, fmt.Sprintf("%s: %s", key, strings.Join(parts, ",")))
		default:
			lines = append(lines, fmt.Sprintf("%s: %v", key, v))
		}
	}
	return lines
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// camelToKebab converts a camelCase JSON key (e.g. "envelopeId") to
// the CLI surface's kebab-case rendering ("envelope-id").
func camelToKebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
