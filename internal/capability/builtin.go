package capability

// RegisterBuiltins adds all builtin providers (core, http, transform, logic)
// to the registry.
func RegisterBuiltins(r *Registry) error {
	logic, err := NewLogicProvider()
	if err != nil {
		return err
	}
	for _, p := range []Provider{
		NewCoreProvider(),
		NewHTTPProvider(HTTPConfig{}),
		NewTransformProvider(),
		logic,
	} {
		if err := r.RegisterProvider(p); err != nil {
			return err
		}
	}
	return nil
}
