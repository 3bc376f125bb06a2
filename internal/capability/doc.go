// Package capability defines the uniform contract shared by every external
// capability provider: speech transcription, speech synthesis, intent
// analysis and ledger execution. Concrete clients live in sub-packages and
// only ever report success or a classified error; the fallback resolver
// turns those into normalised results.
package capability
