// Package value provides the JSON-compatible value types that make up record
// data objects.
//
// A record's data object is an Object: a map of server-facing attribute names
// to Values. Value is a sealed interface; only Null, String, Int, Float, Bool,
// Array and Object implement it. Keeping the set closed lets the store compare
// attribute values structurally when deciding whether an edit is actually a
// change (see Equal), and lets the SQLite source persist data in one
// canonical encoding.
//
// Canonical JSON (MarshalCanonical) orders object keys by UTF-16 code units
// as RFC 8785 does, NFC-normalises strings and never escapes HTML characters.
// Two values are Equal exactly when their canonical encodings are identical.
package value
