// Package devicetree builds the hardware description handed to the guest
// kernel: a Flattened Device Tree (version 17) blob.
//
// Writer is a low-level streaming encoder that enforces the node and
// property naming rules. Hardware assembles the fixed machine layout
// (root cells and CPU count, chosen, aliases, memory, data-sections) on top
// of it. Parse and Format decode a blob back into a tree for inspection.
package devicetree
