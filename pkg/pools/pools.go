// Package pools provides size-class pooling for the chunk-sized byte
// buffers used while compressing, decompressing and checksumming SSTables.
package pools
