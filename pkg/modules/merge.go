package modules

// MergeDescriptorLists combines a defaults list with an instance list by
// name. Entries present in both are merged field by field with the instance
// entry winning; nested sub-module lists merge recursively. Entries only
// present in one list are kept. Defaults keep their relative order, instance
// additions follow.
func MergeDescriptorLists(defaults, instance []Descriptor) []Descriptor {
	byName := make(map[string]int, len(defaults))
	merged := make([]Descriptor, len(defaults))
	copy(merged, defaults)
	for i := range merged {
		byName[merged[i].Name] = i
	}

	for _, inst := range instance {
		if i, ok := byName[inst.Name]; ok {
			merged[i] = mergeDescriptor(merged[i], inst)
			continue
		}
		byName[inst.Name] = len(merged)
		merged = append(merged, inst)
	}
	return merged
}

// mergeDescriptor overlays the instance descriptor on top of the default
// one. Later entries win per field; zero-valued instance fields keep the
// default.
func mergeDescriptor(def, inst Descriptor) Descriptor {
	out := def
	if inst.Type != "" {
		out.Type = inst.Type
	}
	out.Custom = mergeCustom(def.Custom, inst.Custom)
	out.Providers = MergeDescriptorLists(def.Providers, inst.Providers)
	out.Utilities = MergeDescriptorLists(def.Utilities, inst.Utilities)
	out.Services = MergeDescriptorLists(def.Services, inst.Services)
	if inst.FailOnError {
		out.FailOnError = true
	}
	if inst.UIModule != nil {
		out.UIModule = mergeCustom(def.UIModule, inst.UIModule)
	}
	return out
}

// mergeCustom deep-merges two custom blobs, instance keys winning. Nested
// maps merge recursively; any other value is replaced wholesale.
func mergeCustom(def, inst map[string]any) map[string]any {
	if inst == nil {
		return def
	}
	if def == nil {
		return inst
	}
	out := make(map[string]any, len(def)+len(inst))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range inst {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = mergeCustom(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}
