// Package dedup decides whether a normalized message was already stored.
//
// # Signals
//
// Three checks run in order and the first positive wins:
//
//  1. Provider ID: (providerID, providerMessageID) already persisted. Confidence 1.0.
//  2. Content hash: a message with the same hash between the same sender and
//     recipient within the time window. Confidence 1.0.
//  3. Similar content: normalized body text of a recent message in the same
//     window scores at or above SimilarityThreshold. Confidence is the score.
//
// The similarity check only runs when content-hash checking is enabled and
// found nothing.
//
// # Scope
//
// Comparisons never leave the (provider, channel, from, to) tuple, so two
// providers relaying the same text are never collapsed into one message.
//
// # Configuration
//
// The defaults mirror the policy the service shipped with:
//   - TimeWindow: 60 minutes
//   - SimilarityThreshold: 0.85
//   - CandidateLimit: 50 recent messages per pair
package dedup
