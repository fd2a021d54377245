package jobspec

import "strings"

// TaskGroup is a display grouping of TotalSegmentator tasks.
type TaskGroup struct {
	Name  string
	Tasks []string
}

var taskGroups = []TaskGroup{
	{
		Name: "CT (default)",
		Tasks: []string{
			"total",
			"lung_vessels",
			"body",
			"cerebral_bleed",
			"hip_implant",
			"pleural_pericard_effusion",
			"head_glands_cavities",
			"head_muscles",
			"headneck_bones_vessels",
			"headneck_muscles",
			"liver_vessels",
			"oculomotor_muscles",
			"lung_nodules",
			"kidney_cysts",
			"breasts",
			"liver_segments",
			"craniofacial_structures",
			"abdominal_muscles",
			"teeth",
			"trunk_cavities",
			"vertebrae_body",
			"brain_structures",
			"coronary_arteries",
			"face",
		},
	},
	{
		Name: "MR (_mr)",
		Tasks: []string{
			"total_mr",
			"body_mr",
			"vertebrae_mr",
			"liver_segments_mr",
			"appendicular_bones_mr",
			"tissue_types_mr",
			"face_mr",
			"thigh_shoulder_muscles_mr",
		},
	},
	{
		Name: "Special / Licensed",
		Tasks: []string{
			"heartchambers_highres",
			"appendicular_bones",
			"tissue_types",
			"tissue_4_types",
			"brain_aneurysm",
		},
	},
}

var taskSet = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, g := range taskGroups {
		for _, t := range g.Tasks {
			m[t] = struct{}{}
		}
	}
	return m
}()

// TaskGroups returns a copy of the task catalog in display order.
func TaskGroups() []TaskGroup {
	out := make([]TaskGroup, len(taskGroups))
	for i, g := range taskGroups {
		out[i] = TaskGroup{Name: g.Name, Tasks: append([]string(nil), g.Tasks...)}
	}
	return out
}

// Tasks returns every supported task identifier in display order.
func Tasks() []string {
	var out []string
	for _, g := range taskGroups {
		out = append(out, g.Tasks...)
	}
	return out
}

// IsSupportedTask reports whether task is in the catalog.
func IsSupportedTask(task string) bool {
	_, ok := taskSet[task]
	return ok
}

// IsMRTask reports whether task expects an MR series rather than CT.
func IsMRTask(task string) bool {
	return strings.HasSuffix(task, "_mr")
}
