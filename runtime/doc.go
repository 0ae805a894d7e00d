// Package runtime provides named strategies for producing components on
// demand. A strategy is selected by kind, initialized with the component
// name and a bag of string attributes, and then asked to Load the
// component. Lazy registry entries hold a Loader and call it on first use.
package runtime
