package consumer

// WithResultHook exposes the delivery observer to the external tests.
var WithResultHook = withResultHook
