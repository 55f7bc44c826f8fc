package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputGroups sorts stack outputs by the first group whose marker appears
// in the output key. Keys matching none go to "Other".
var outputGroups = []struct {
	name    string
	markers []string
}{
	{"Cognito", []string{"UserPool", "Cognito", "Identity", "Auth"}},
	{"API", []string{"Api", "Endpoint", "Rest", "GraphQL", "WebSocket"}},
	{"Storage", []string{"Bucket", "S3", "Storage"}},
	{"Database", []string{"Table", "DynamoDB", "Database"}},
	{"Network", []string{"Vpc", "Subnet", "SecurityGroup"}},
}

func outputGroup(key string) string {
	for _, g := range outputGroups {
		for _, m := range g.markers {
			if strings.Contains(key, m) {
				return g.name
			}
		}
	}
	return "Other"
}

// writeOutputs prints a stack's outputs grouped by kind.
func writeOutputs(w io.Writer, stack string, outputs map[string]string) {
	if len(outputs) == 0 {
		fmt.Fprintf(w, "No outputs found for stack %s\n", stack)
		return
	}
	grouped := make(map[string][]string)
	for k := range outputs {
		g := outputGroup(k)
		grouped[g] = append(grouped[g], k)
	}

	fmt.Fprintf(w, "=== Stack Outputs for %s ===\n", stack)
	order := make([]string, 0, len(outputGroups)+1)
	for _, g := range outputGroups {
		order = append(order, g.name)
	}
	for _, name := range append(order, "Other") {
		keys := grouped[name]
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "\n%s:\n", name)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, outputs[k])
		}
	}
}
