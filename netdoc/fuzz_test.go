package netdoc

import "testing"

func FuzzParseMicrodescriptor(f *testing.F) {
	f.Add([]byte(oneGoodMicrodesc()))
	f.Add([]byte(""))
	f.Add([]byte("onion-key\n"))
	f.Add([]byte("family foo\n"))
	f.Add([]byte(oneGoodMicrodesc() + oneGoodMicrodesc()))
	f.Add([]byte("onion-key\nnot-a-pem-object\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic, regardless of whether it parses.
		ParseMicrodescriptor(data)
	})
}

func FuzzReaderNeverStalls(f *testing.F) {
	good := oneGoodMicrodesc()
	f.Add([]byte(good + good))
	f.Add([]byte("garbage\nonion-key\nmore garbage\n" + good))
	f.Add([]byte("@last-listed 2025-01-15 12:00:00\n" + good))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader(data, true)
		// Bound the number of iterations: the forward-progress guarantee
		// means this must terminate well within len(data)+1 calls to Next.
		limit := len(data) + 2
		for i := 0; i < limit; i++ {
			_, ok := r.Next()
			if !ok {
				return
			}
		}
		t.Fatalf("Reader did not terminate within %d calls on %d-byte input", limit, len(data))
	})
}
