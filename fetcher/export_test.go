package fetcher

var StderrTail = stderrTail

func SetRemoveAll(f *Fetcher, fn func(string) error) {
	f.removeAll = fn
}
