package plugin

import (
	"sort"

	"github.com/samber/oops"
)

// Export types a manifest may declare.
const (
	ExportApp             = "app"
	ExportNavLink         = "nav-link"
	ExportSettingDefaults = "setting-defaults"
)

// App is a UI application contributed by a plugin.
type App struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Icon   string `json:"icon,omitempty"`
	Order  int    `json:"order"`
	Hidden bool   `json:"hidden,omitempty"`
	Plugin string `json:"plugin"`
}

// NavLink is a navigation entry. One is derived per non-hidden app;
// plugins may add standalone links with the nav-link export.
type NavLink struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Icon   string `json:"icon,omitempty"`
	Order  int    `json:"order"`
	Plugin string `json:"plugin"`
}

// UIExports aggregates every UI contribution across discovered plugins.
type UIExports struct {
	Apps            []App          `json:"apps"`
	NavLinks        []NavLink      `json:"navLinks"`
	SettingDefaults map[string]any `json:"settingDefaults"`
}

// CollectExports classifies the export declarations of all discovered
// plugins. An export entry whose type is not one of the known kinds is a
// fatal configuration error: silently ignoring it would hide a plugin's
// contribution, so discovery aborts instead.
//
// Duplicate app IDs, nav-link IDs, and setting-default keys across
// plugins are also fatal; two plugins shadowing each other's surfaces is
// never intended.
func CollectExports(specs []*Spec) (*UIExports, error) {
	out := &UIExports{
		Apps:            []App{},
		NavLinks:        []NavLink{},
		SettingDefaults: map[string]any{},
	}

	appOwner := make(map[string]string)     // app id -> plugin
	linkOwner := make(map[string]string)    // nav-link id -> plugin
	settingOwner := make(map[string]string) // setting key -> plugin

	for _, spec := range specs {
		name := spec.Name()
		for _, exp := range spec.Manifest.Exports {
			switch exp.Type {
			case ExportApp:
				if owner, dup := appOwner[exp.ID]; dup {
					return nil, oops.Code("PLUGIN_EXPORT_CONFLICT").
						With("plugin", name).
						With("conflicts_with", owner).
						With("app", exp.ID).
						Errorf("app %q exported by both %q and %q", exp.ID, owner, name)
				}
				appOwner[exp.ID] = name
				out.Apps = append(out.Apps, App{
					ID:     exp.ID,
					Title:  exp.Title,
					URL:    exp.URL,
					Icon:   exp.Icon,
					Order:  exp.Order,
					Hidden: exp.Hidden,
					Plugin: name,
				})
				if !exp.Hidden {
					if owner, dup := linkOwner[exp.ID]; dup {
						return nil, oops.Code("PLUGIN_EXPORT_CONFLICT").
							With("plugin", name).
							With("conflicts_with", owner).
							With("nav_link", exp.ID).
							Errorf("nav link %q exported by both %q and %q", exp.ID, owner, name)
					}
					linkOwner[exp.ID] = name
					out.NavLinks = append(out.NavLinks, NavLink{
						ID:     exp.ID,
						Title:  exp.Title,
						URL:    exp.URL,
						Icon:   exp.Icon,
						Order:  exp.Order,
						Plugin: name,
					})
				}

			case ExportNavLink:
				if owner, dup := linkOwner[exp.ID]; dup {
					return nil, oops.Code("PLUGIN_EXPORT_CONFLICT").
						With("plugin", name).
						With("conflicts_with", owner).
						With("nav_link", exp.ID).
						Errorf("nav link %q exported by both %q and %q", exp.ID, owner, name)
				}
				linkOwner[exp.ID] = name
				out.NavLinks = append(out.NavLinks, NavLink{
					ID:     exp.ID,
					Title:  exp.Title,
					URL:    exp.URL,
					Icon:   exp.Icon,
					Order:  exp.Order,
					Plugin: name,
				})

			case ExportSettingDefaults:
				for key, value := range exp.Values {
					if owner, dup := settingOwner[key]; dup {
						return nil, oops.Code("PLUGIN_EXPORT_CONFLICT").
							With("plugin", name).
							With("conflicts_with", owner).
							With("setting", key).
							Errorf("setting default %q exported by both %q and %q", key, owner, name)
					}
					settingOwner[key] = name
					out.SettingDefaults[key] = value
				}

			default:
				return nil, oops.Code("PLUGIN_UNKNOWN_EXPORT").
					With("plugin", name).
					With("export_type", exp.Type).
					Hint("known export types: app, nav-link, setting-defaults").
					Errorf("unknown export type %q in plugin %q", exp.Type, name)
			}
		}
	}

	sortApps(out.Apps)
	sortNavLinks(out.NavLinks)
	return out, nil
}

func sortApps(apps []App) {
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Order != apps[j].Order {
			return apps[i].Order < apps[j].Order
		}
		return apps[i].ID < apps[j].ID
	})
}

func sortNavLinks(links []NavLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Order != links[j].Order {
			return links[i].Order < links[j].Order
		}
		return links[i].ID < links[j].ID
	})
}
