// Package schema loads record-type definitions written in CUE.
//
// The .cue files of a directory form one CUE package and declare types
// under the top-level "type" field:
//
//	type: Todo: {
//		primaryKey: "id"
//		attributes: {
//			title: string
//			done:  *false | bool
//			expanded: {default: false, noSync: true}
//		}
//	}
//
// An attribute is either a CUE type expression, whose default (marked with
// "*") or concrete value becomes the attribute default, or a struct with the
// optional fields "default" and "noSync". Attributes marked noSync live only
// on the client and are never sent to a source.
package schema
