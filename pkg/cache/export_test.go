package cache

func (b *MemoryBackend) LockCount() int {
	return b.lockCount()
}
