package auth

// TemplateUserKey is the view data key holding the current principal.
var TemplateUserKey = "current_user"

// TemplateHelpers returns view data describing a session for the django
// templates of the admin dashboard.
//
// In templates, you can then use:
//
//	{% if is_authenticated %}
//	{% if is_at_least(current_role, roles.editor) %}
//	{{ current_user.DisplayName }}
func TemplateHelpers(state SessionState, profile *ProfileRecord) map[string]any {
	role := ""
	if state.Authenticated() {
		role = DefaultRole
		if profile != nil && profile.Role != "" {
			role = profile.Role
		}
	}

	helpers := map[string]any{
		"is_authenticated": state.Authenticated(),
		"is_settled":       state.Settled,
		"gate":             Evaluate(state).String(),
		"current_role":     role,
		"is_admin":         role != "" && IsAtLeast(role, RoleAdmin),
		"is_at_least":      IsAtLeast,
		"roles": map[string]string{
			"user":   RoleUser,
			"editor": RoleEditor,
			"admin":  RoleAdmin,
		},
	}

	if state.Principal != nil {
		p := state.Principal.Clone()
		helpers[TemplateUserKey] = p
		helpers["current_user_label"] = p.Label()
	}
	if profile != nil {
		helpers["current_profile"] = profile
	}
	return helpers
}

// MergeTemplateData copies extra over base and returns base.
func MergeTemplateData(base map[string]any, extra map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
