package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/troupe/pkg/models"
)

type roleLister interface {
	ListRoles(ctx context.Context, userID string) ([]models.Role, error)
}

// SwitchRole asks the client to change the active role. The orchestrator
// forwards the roleSwitch metadata untouched; the actual switch is the
// client's move after the turn ends.
type SwitchRole struct {
	store roleLister
}

// NewSwitchRole creates the switch_role tool.
func NewSwitchRole(store roleLister) *SwitchRole {
	return &SwitchRole{store: store}
}

func (t *SwitchRole) Name() string { return "switch_role" }

func (t *SwitchRole) Description() string {
	return "Hand the conversation over to another of the user's roles. The switch takes effect after this turn completes."
}

type switchRoleArgs struct {
	RoleName string `json:"roleName" jsonschema:"description=Name of the role to switch to"`
}

func (t *SwitchRole) Schema() json.RawMessage { return reflectSchema(&switchRoleArgs{}) }

func (t *SwitchRole) Execute(ctx context.Context, call Call) (*Result, error) {
	var args switchRoleArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	name := strings.TrimSpace(args.RoleName)
	if name == "" {
		return toolError("roleName is required"), nil
	}

	roles, err := t.store.ListRoles(ctx, call.UserID)
	if err != nil {
		return toolError(fmt.Sprintf("list roles: %v", err)), nil
	}
	var target *models.Role
	for i := range roles {
		if strings.EqualFold(roles[i].Name, name) {
			target = &roles[i]
			break
		}
	}
	if target == nil {
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, r.Name)
		}
		return toolError(fmt.Sprintf("no role named %q; available roles: %s", name, strings.Join(names, ", "))), nil
	}

	res := jsonResult(map[string]any{
		"status":   "switching",
		"roleId":   target.ID,
		"roleName": target.Name,
	})
	res.Metadata = map[string]any{
		"roleSwitch": map[string]string{
			"roleId":   target.ID,
			"roleName": target.Name,
		},
	}
	return res, nil
}
