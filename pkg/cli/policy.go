package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling how a command may be scheduled.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// SetCommandPolicies stores policies as command annotations under the
// "policies." prefix, replacing any set before.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func setPolicy(cmd *cobra.Command, policy CommandPolicy) *cobra.Command {
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: policy})
	return cmd
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		setPolicy(cmd, PolicyAlways)
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
